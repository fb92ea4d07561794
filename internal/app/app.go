// Package app assembles the broker's dependency graph from a loaded Config.
// Both entry points (the HTTP server and the SQS relay) build through it so
// they deliver identically.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventbroker/internal/config"
	"eventbroker/internal/core"
	"eventbroker/internal/jwts"
	"eventbroker/internal/metrics"
	"eventbroker/internal/observability"
	"eventbroker/internal/proxy"
	"eventbroker/internal/registry"
	"eventbroker/internal/security"
	"eventbroker/internal/types"
)

const dbConnectTimeout = 10 * time.Second

// Sink is a metrics recorder that can also back the HTTP chassis collector.
type Sink interface {
	metrics.Recorder
	metrics.Flusher
	core.MetricsCollector
}

// Deps is everything an entry point needs to serve deliveries.
type Deps struct {
	Store     *registry.Store
	Refresher *registry.Refresher
	Probes    []core.HealthProbe
	Metrics   Sink
	Signer    *jwts.Signer
	Proxy     *proxy.Proxy
	Tracer    *observability.Tracer

	// Closers release resources in order; the metrics flush runs last so
	// shutdown-time datums are not lost.
	Closers []func(context.Context) error
}

// Build wires the registry, metrics sink, signer and proxy. The registry is
// loaded once before Build returns: a broker that cannot resolve any
// subscriber must not start.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Store: registry.NewStore()}

	sink, closeSink, err := newSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.Metrics = sink
	fail := func(err error) (*Deps, error) {
		if closeSink != nil {
			d.Closers = append(d.Closers, closeSink)
		}
		d.closeAll(ctx)
		return nil, err
	}

	source, err := d.newSource(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	d.Refresher = registry.NewRefresher(d.Store, source, cfg.Registry.RefreshInterval, sink, logger, types.RealClock{})
	if err := d.Refresher.Load(ctx); err != nil {
		return fail(err)
	}
	d.Probes = append(d.Probes, registry.NewFreshnessProbe(d.Store, cfg.Registry.StaleAfter, types.RealClock{}))

	d.Signer, err = jwts.NewSigner(cfg.OpenID, types.RealClock{})
	if err != nil {
		return fail(fmt.Errorf("creating SET signer: %w", err))
	}

	httpClient, err := security.NewWebhookClient(security.ClientOptions{
		Timeout:        cfg.Webhook.Timeout,
		MaxRedirects:   cfg.Webhook.MaxRedirects,
		SSRFProtection: cfg.Webhook.SSRFProtection,
	})
	if err != nil {
		return fail(fmt.Errorf("creating webhook client: %w", err))
	}
	webhookClient := proxy.NewWebhookClient(httpClient, proxy.DefaultBreakerSettings(), logger)

	d.Tracer = observability.NewTracer()
	d.Proxy = proxy.New(cfg.Webhook, d.Store, d.Signer, webhookClient, sink, d.Tracer, logger, types.RealClock{})

	if closeSink != nil {
		d.Closers = append(d.Closers, closeSink)
	}
	return d, nil
}

// newSource picks the registry backend. The Postgres pool is closed through
// d.Closers and pinged by the "database" health probe.
func (d *Deps) newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Source, error) {
	switch cfg.Registry.Source {
	case config.RegistrySourceFile:
		return registry.NewFileSource(cfg.Registry.File), nil
	case config.RegistrySourcePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Registry.DatabaseURL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
		}
		if cfg.Registry.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Registry.MaxConns
		}
		connectCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to registry database: %w", err)
		}
		d.Closers = append(d.Closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		d.Probes = append(d.Probes, registry.NewDatabaseProbe(pool))
		return registry.NewPostgresSource(pool, logger), nil
	default:
		return nil, fmt.Errorf("unknown registry source %q", cfg.Registry.Source)
	}
}

// newSink returns the CloudWatch recorder, or a NopRecorder when metrics are
// disabled. The returned closer flushes buffered datums.
func newSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Sink, func(context.Context) error, error) {
	if !cfg.Observability.MetricsEnabled {
		return metrics.NopRecorder{}, nil, nil
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, nil, err
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	rec := metrics.NewCloudWatchRecorder(client, metrics.CloudWatchOptions{
		Namespace:     cfg.Observability.MetricNamespace,
		FlushInterval: cfg.Observability.FlushInterval,
	}, observability.NewSlogAdapter(logger))
	return rec, rec.Close, nil
}

// LoadAWSConfig loads the default AWS SDK configuration for cfg's region.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	return awsCfg, nil
}

func (d *Deps) closeAll(ctx context.Context) {
	for _, c := range d.Closers {
		_ = c(ctx)
	}
}

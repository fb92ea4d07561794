package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"eventbroker/internal/types"
)

// CloudWatch accepts at most 1000 datums per PutMetricData call.
const maxBatchSize = 1000

const (
	defaultBufferSize = 10000
	putTimeout        = 5 * time.Second
	dropWarnInterval  = 30 * time.Second
	defaultFlushEvery = 10 * time.Second
)

// CloudWatchClient is the subset of the CloudWatch SDK client the recorder uses.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchOptions tunes a CloudWatchRecorder. Zero values take defaults.
type CloudWatchOptions struct {
	Namespace     string
	FlushInterval time.Duration
	BufferSize    int
	Clock         types.Clock
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// CloudWatchRecorder queues datums in a bounded buffer and publishes them in
// batches from a single background goroutine. A full buffer drops the datum.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
	clock     types.Clock
	every     time.Duration

	queue   chan cwtypes.MetricDatum
	flushes chan chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	dropped      atomic.Int64
	lastDropWarn atomic.Int64
}

// NewCloudWatchRecorder starts the publishing goroutine. Callers must Close
// the recorder to flush what is still buffered.
func NewCloudWatchRecorder(client CloudWatchClient, opts CloudWatchOptions, logger types.Logger) *CloudWatchRecorder {
	if opts.Namespace == "" {
		opts.Namespace = types.MetricNamespace
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushEvery
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}

	r := &CloudWatchRecorder{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
		clock:     opts.Clock,
		every:     opts.FlushInterval,
		queue:     make(chan cwtypes.MetricDatum, opts.BufferSize),
		flushes:   make(chan chan struct{}),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Count records a counter value.
func (r *CloudWatchRecorder) Count(name string, value float64, dims ...Dimension) {
	r.enqueue(r.datum(name, value, cwtypes.StandardUnitCount, dims))
}

// Timing records a duration in milliseconds.
func (r *CloudWatchRecorder) Timing(name string, d time.Duration, dims ...Dimension) {
	r.enqueue(r.datum(name, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims))
}

// RecordRequest implements core.MetricsCollector.
func (r *CloudWatchRecorder) RecordRequest(method, endpoint, status string, d time.Duration) {
	recordRequest(r, method, endpoint, status, d)
}

// Dropped reports how many datums were discarded because the buffer was full.
func (r *CloudWatchRecorder) Dropped() int64 { return r.dropped.Load() }

func (r *CloudWatchRecorder) datum(name string, value float64, unit cwtypes.StandardUnit, dims []Dimension) cwtypes.MetricDatum {
	d := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(r.clock.Now()),
	}
	for _, dim := range dims {
		if dim.Value == "" {
			continue
		}
		d.Dimensions = append(d.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dim.Name),
			Value: aws.String(dim.Value),
		})
	}
	return d
}

func (r *CloudWatchRecorder) enqueue(d cwtypes.MetricDatum) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.queue <- d:
	default:
		n := r.dropped.Add(1)
		now := r.clock.Now().UnixNano()
		last := r.lastDropWarn.Load()
		if now-last >= int64(dropWarnInterval) && r.lastDropWarn.CompareAndSwap(last, now) {
			r.logger.Warn("metrics buffer full, dropping datums", "dropped_total", n)
		}
	}
}

func (r *CloudWatchRecorder) run() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, maxBatchSize)
	for {
		select {
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) == maxBatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case ack := <-r.flushes:
			batch = r.flush(r.drain(batch))
			close(ack)
		case <-r.done:
			r.flush(r.drain(batch))
			return
		}
	}
}

// drain moves everything already queued into batch, publishing full batches
// along the way.
func (r *CloudWatchRecorder) drain(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	for {
		select {
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) == maxBatchSize {
				batch = r.flush(batch)
			}
		default:
			return batch
		}
	}
}

// flush publishes batch and returns it emptied for reuse.
func (r *CloudWatchRecorder) flush(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: append([]cwtypes.MetricDatum(nil), batch...),
	})
	if err != nil {
		r.logger.Error("failed to publish metrics", "error", err.Error(), "datums", len(batch))
	}
	return batch[:0]
}

// Flush publishes every datum recorded before the call and waits for the
// publish to finish. Lambda handlers call it before returning because the
// environment may be frozen before the next tick.
func (r *CloudWatchRecorder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case r.flushes <- ack:
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting datums, flushes the buffer and waits for the publisher
// to finish or ctx to expire.
func (r *CloudWatchRecorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

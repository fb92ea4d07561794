// Package main is the entry point for the SQS relay Lambda function.
//
// The relay is the AWS transport variant of the push endpoint: each SQS
// record carries the same Pub/Sub push envelope the HTTP server accepts, and
// goes through the same delivery pipeline. Queue access is granted by IAM, so
// there is no push token to authenticate.
//
// Cold Start (main):
//  1. Load configuration, resolving *_SSM_PARAM secrets.
//  2. Build the registry, metrics sink, signer and proxy.
//  3. Start the registry refresher for the lifetime of the container.
//  4. Register the handler and call lambda.Start.
//
// Buffered metrics are flushed before each invocation returns. Per record, a
// 2xx webhook response acks the message. Everything else is
// reported in batchItemFailures so the queue's redrive policy decides when to
// give up, matching Pub/Sub push where any non-2xx is a nack.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"eventbroker/internal/app"
	"eventbroker/internal/config"
	"eventbroker/internal/core"
	"eventbroker/internal/metrics"
	"eventbroker/internal/observability"
	"eventbroker/internal/proxy"
	"eventbroker/internal/types"
)

// clientIDAttribute names the SQS message attribute (or Pub/Sub message
// attribute) carrying the subscriber's client id.
const clientIDAttribute = "clientId"

var errNoClientID = errors.New("record has no clientId attribute")

// Handler holds the dependencies for the relay Lambda handler.
type Handler struct {
	proxy     proxy.Deliverer
	validator *core.Validator
	metrics   metrics.Flusher
	logger    *slog.Logger
}

// Handle delivers every record independently and reports the ones that did
// not reach a 2xx so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Warn("record not acknowledged",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	// The environment may freeze as soon as Handle returns.
	if h.metrics != nil {
		if err := h.metrics.Flush(ctx); err != nil {
			h.logger.Warn("metrics flush failed", "error", err.Error())
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var env types.PushEnvelope
	if err := json.Unmarshal([]byte(record.Body), &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	if err := h.validator.ValidateStruct(env); err != nil {
		return err
	}

	clientID := clientIDOf(record, env)
	if clientID == "" {
		return errNoClientID
	}

	ctx = types.WithRequestID(ctx, record.MessageId)
	out, err := h.proxy.Deliver(ctx, clientID, env)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("webhook for %s answered %d", clientID, out.StatusCode)
	}
	return nil
}

// clientIDOf prefers the SQS message attribute and falls back to the
// attribute inside the push message.
func clientIDOf(record events.SQSMessage, env types.PushEnvelope) string {
	if attr, ok := record.MessageAttributes[clientIDAttribute]; ok && attr.StringValue != nil && *attr.StringValue != "" {
		return *attr.StringValue
	}
	return env.Message.Attributes[clientIDAttribute]
}

func main() {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("SQS relay initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"registry_source", cfg.Registry.Source,
	)

	// The refresher lives as long as the container and resumes after a freeze.
	ctx := context.Background()
	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := deps.Refresher.Run(ctx); err != nil {
			logger.Error("registry refresher stopped", "error", err)
		}
	}()

	handler := &Handler{
		proxy:     deps.Proxy,
		validator: core.NewValidator(logger),
		metrics:   deps.Metrics,
		logger:    logger,
	}

	logger.Info("SQS relay initialized",
		"webhook_timeout", cfg.Webhook.Timeout.String(),
		"user_agent", cfg.Webhook.UserAgent,
	)
	lambda.Start(handler.Handle)
}

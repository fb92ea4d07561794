// Package config defines the configuration for the event broker. Configuration
// is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"eventbroker/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types just to unmask a secret.
type SecretString = types.SecretString

// Registry source kinds.
const (
	RegistrySourcePostgres = "postgres"
	RegistrySourceFile     = "file"
)

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev stage prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"event-broker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	PubSub        PubSubConfig
	OpenID        OpenIDConfig
	Webhook       WebhookConfig
	Registry      RegistryConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// PubSubConfig controls authentication of inbound push deliveries.
type PubSubConfig struct {
	Authenticate bool   `envconfig:"PUBSUB_AUTHENTICATE" default:"true"`
	Audience     string `envconfig:"PUBSUB_AUDIENCE" validate:"required_if=Authenticate true"`

	// VerificationToken, when set, must match the "token" query parameter of
	// every push request.
	VerificationToken SecretString `envconfig:"PUBSUB_VERIFICATION_TOKEN"`

	JWKSURL string   `envconfig:"PUBSUB_JWKS_URL" default:"https://www.googleapis.com/oauth2/v3/certs" validate:"url"`
	Issuers []string `envconfig:"PUBSUB_ISSUERS" default:"https://accounts.google.com,accounts.google.com" validate:"min=1"`
}

// OpenIDConfig holds the SET issuer identity and signing key.
type OpenIDConfig struct {
	Issuer string `envconfig:"OPENID_ISSUER" validate:"required,url"`
	// Key is a JWK JSON document holding an RSA private key with a kid.
	Key      SecretString  `envconfig:"OPENID_KEY" validate:"required,json"`
	TokenTTL time.Duration `envconfig:"SET_TTL" default:"10m" validate:"min=30s,max=1h"`
}

// WebhookConfig holds settings for outbound webhook delivery.
type WebhookConfig struct {
	UserAgent        string        `envconfig:"WEBHOOK_USER_AGENT" default:"event-broker/1.0"`
	Timeout          time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxRedirects     int           `envconfig:"WEBHOOK_MAX_REDIRECTS" default:"0" validate:"min=0,max=10"`
	MaxResponseBytes int64         `envconfig:"WEBHOOK_MAX_RESPONSE_BYTES" default:"1048576" validate:"gt=0"`
	SSRFProtection   bool          `envconfig:"WEBHOOK_SSRF_PROTECTION" default:"true"`
}

// RegistryConfig selects where the clientId -> webhook URL mapping comes from
// and how often it is reloaded.
type RegistryConfig struct {
	Source          string        `envconfig:"REGISTRY_SOURCE" default:"postgres" validate:"oneof=postgres file"`
	DatabaseURL     SecretString  `envconfig:"DATABASE_URL" validate:"required_if=Source postgres"`
	File            string        `envconfig:"REGISTRY_FILE" validate:"required_if=Source file"`
	RefreshInterval time.Duration `envconfig:"REGISTRY_REFRESH_INTERVAL" default:"30s" validate:"min=1s"`
	StaleAfter      time.Duration `envconfig:"REGISTRY_STALE_AFTER" default:"5m" validate:"gtfield=RefreshInterval"`
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"4"`
}

// AWSConfig holds regional configuration shared by the SSM and CloudWatch clients.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string        `envconfig:"METRIC_NAMESPACE" default:"EventBroker"`
	MetricsEnabled  bool          `envconfig:"METRICS_ENABLED" default:"true"`
	FlushInterval   time.Duration `envconfig:"METRICS_FLUSH_INTERVAL" default:"10s" validate:"gt=0"`
	EnableTracing   bool          `envconfig:"ENABLE_TRACING" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	Source    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

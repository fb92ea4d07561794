package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricQueueDelay             = "QueueDelay"
	MetricDeliverySuccess        = "DeliverySuccess"
	MetricDeliveryFailed         = "DeliveryFailed"
	MetricDeliveryTransportError = "DeliveryTransportError"
	MetricSubscriptionEventDelay = "SubscriptionEventDelay"
	MetricUnknownSubscriber      = "UnknownSubscriber"
	MetricMalformedPayload       = "MalformedPayload"
	MetricUnsupportedEvent       = "UnsupportedEvent"
	MetricAuthFailure            = "AuthenticationFailure"
	MetricRegistryRefreshFailure = "RegistryRefreshFailure"
	MetricRegistrySize           = "RegistrySize"
	MetricAPILatency             = "APILatency"
	MetricAPIRequestCount        = "APIRequestCount"

	// Dimension Keys
	DimClientID   = "ClientID"
	DimStatusCode = "StatusCode"
	DimEventType  = "EventType"
	DimMethod     = "Method"
	DimEndpoint   = "Endpoint"
	DimSource     = "Source"

	// Metric Namespace
	MetricNamespace = "EventBroker"
)

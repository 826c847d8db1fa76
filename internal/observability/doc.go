// Package observability provides structured logging, metrics, and tracing
// for the gateway.
//
// Logging is zap-based. Metrics are Prometheus collectors registered on the
// default registry and exposed on /metrics. Tracing uses OpenTelemetry with
// an OTLP gRPC exporter; when disabled, spans go to the global no-op provider.
package observability

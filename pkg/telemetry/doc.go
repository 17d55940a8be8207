// Package telemetry carries the observability surface: zerolog structured
// logging with component child loggers, Prometheus metrics for cycles,
// operations, drift and lock contention, and OpenTelemetry tracing around
// the phases of a reconciliation cycle.
package telemetry

// Package telemetry provides the observability surface shared by every
// component: structured logging via zerolog, Prometheus metrics, and
// OpenTelemetry tracing, all built from one Config tree.
package telemetry

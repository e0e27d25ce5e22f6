// Package metrics exposes Prometheus instrumentation for the
// coordinator: fleet gauges, operation counters and durations, API
// request metrics, and WebSocket channel gauges. Metrics are served on
// the main listener at /metrics.
package metrics

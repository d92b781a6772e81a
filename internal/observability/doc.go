// Package observability provides structured logging and metrics for paygate.
//
// This package implements:
//   - Structured logging (zap-based), JSON in production and console locally
//   - Prometheus metrics for admission decisions and window state
//
// Metrics implements policy.Recorder so the engine can report decisions
// without depending on Prometheus.
package observability

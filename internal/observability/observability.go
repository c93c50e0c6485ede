package observability

// Package observability provides structured logging, Prometheus metrics,
// and health checking capabilities for patchline.
//
// Key features:
// - Structured JSON logging with configurable log levels
// - Prometheus metrics for rollouts, queue, policy, and distribution
// - Health checks for component status monitoring
// - HTTP endpoints for /metrics, /health, and /ready

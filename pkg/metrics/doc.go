// Package metrics exposes the daemon's introspection surface: Prometheus
// gauges and counters for entity states, restarts, and bus traffic, plus the
// /health, /ready and /live JSON endpoints served on the configured bind
// address.
package metrics

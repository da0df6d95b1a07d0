// Package sinks implements progress consumers: structured logging,
// Prometheus collectors and a callback sink for interactive frontends.
package sinks

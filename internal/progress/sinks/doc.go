// Package sinks implements progress consumers: structured logs, Prometheus
// run metrics, and the live per-source status served by the ops API.
package sinks

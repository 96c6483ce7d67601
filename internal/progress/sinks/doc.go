// Package sinks implements progress consumers: a structured log sink and a
// Prometheus sink tracking job and task milestones.
package sinks

// Package api exposes the operator HTTP interface: job submission, status,
// cancellation, health, sources and stats. Routes are served by chi and
// instrumented with the metrics middleware.
package api

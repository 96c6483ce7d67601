// Package acquire defines the domain types shared by the acquisition engine:
// jobs and their counters, tasks, fetch results, source profiles, records and
// the error taxonomy. It also declares the small capability interfaces
// (fetch, extract, persist, store, publish) that adapter packages implement.
//
// Nothing in this package performs I/O. Orchestration lives in the
// scheduler and jobs packages; adapters live under fetcher, storage and
// publisher.
package acquire

// Package metrics exposes Quilt's Prometheus instrumentation: container
// counts by state, create/start/stop/status latency histograms, IPAM pool
// utilization, and cleanup queue depth, plus /health and /ready HTTP
// handlers over a RegisterComponent registry (pkg/api's HealthServer uses
// its own handlers, not these). Metrics are package-level vars registered
// at init() time. Some gauges are set directly where the change happens
// (the cleanup workers, the engine's boot reconcile); Collector can also
// sample Store/IPAM state onto the gauges on a 15s ticker.
package metrics

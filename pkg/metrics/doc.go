/*
Package metrics exposes VentiScan's Prometheus metrics.

Collectors cover the scan lifecycle (scans by state, chunk exit kinds,
findings by severity), the scheduler (queue depth, active workers, worker
durations by profile), the control API (request counts and latency by
route, rate-limit denials) and retention GC. All metrics are registered at
init and served by Handler() on /metrics.
*/
package metrics

/*
Package metrics provides Prometheus metrics collection and exposition for the
task-queue substrate, plus the /health, /ready, and /live HTTP handlers a
worker or monitor process can mount alongside /metrics.

# Metrics Catalog

Queue metrics:

  - vectorlink_queue_depth{service}: claimable entries currently queued
  - vectorlink_claims_held{service}: claims currently held
  - vectorlink_tasks_claimed_total{service}: tasks claimed by this worker
  - vectorlink_tasks_finished_total{service,outcome}: tasks finished, by outcome

Lease metrics:

  - vectorlink_lease_renewals_total{outcome}: renewal attempts, by outcome
  - vectorlink_lease_renewal_duration_seconds: renewal latency

Monitor metrics:

  - vectorlink_monitor_scan_duration_seconds: full startup scan duration
  - vectorlink_monitor_tasks_enqueued_total: tasks moved into the queue
  - vectorlink_monitor_orphans_recovered_total: orphaned claims recovered
  - vectorlink_monitor_parents_woken_total: waiting parents woken
  - vectorlink_monitor_records_rewritten_total: unparseable records rewritten

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.LeaseRenewalDuration)

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/live", metrics.LivenessHandler())
*/
package metrics

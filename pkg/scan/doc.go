/*
Package scan owns the scan lifecycle.

A scan moves queued -> running -> one of completed, failed or cancelled,
and never leaves a terminal state. Chunk outcomes drive the transition:
one completed chunk (success or budget-exhausted) is enough for the scan
to complete, with the failure count recorded; only a scan whose chunks
all failed is failed. Progress is a monotonic 0-100 value assembled from
phase bands, with the scanning band fed by the mean of chunk progress.

Cancellation takes effect immediately: pending chunks leave the queue,
running workers get their contexts cancelled, and late worker exits land
in the already-terminal scan without changing its outcome. A per-scan
wall-clock timer abandons whatever is left when the deadline passes.

Every transition persists to the store before it is observable, so a
restart recovers terminal scans intact and fails the ones it
interrupted.
*/
package scan

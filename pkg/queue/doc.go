/*
Package queue holds chunks waiting for a worker slot.

The queue is bounded and in-process. Chunks of one scan come out in
submission order; across scans a round-robin rotation keeps a wide scan
from starving later, smaller ones. EnqueueScan admits a whole scan or
nothing, so a scan is never half-queued when capacity runs out.
*/
package queue

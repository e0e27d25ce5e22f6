/*
Package syncer implements the sync operation state machine.

There is exactly one Coordinator per process. It owns the per-endpoint
operation queues and drives every status transition on a single
goroutine; request handlers talk to it over a message channel. That
confinement gives the two ordering guarantees the rest of the system
relies on without locks:

  - operations for one endpoint start in submission order (FIFO), with
    at most one in_progress at a time
  - events for one operation are published in issue order

The operation lifecycle:

	pending -> in_progress -> completed
	    |            |
	    |            +-> failed (endpoint report, timeout, shutdown)
	    +-> failed ("cancelled", before pickup only)

sync and revert operations are executed by the endpoint itself: the
coordinator marks them in_progress, the endpoint streams progress posts,
and a completion report drives the terminal transition. set_latest is
executed server-side by promoting the captured state to the pool target.

A watchdog fails operations stuck in_progress past their type's budget
with error "timeout". Shutdown quiesces submissions, grants in-flight
work a grace period, and fails survivors with error "shutdown".

The Janitor is the companion housekeeping loop: terminal operation
expiry, state history trimming, and offline detection.
*/
package syncer

// Package notifier is the asynchronous dispatch pipeline between the
// scheduler and the desktop surface.
//
// Deliver and Withdraw only enqueue. Jobs are sharded by external key, so all
// jobs for one notification run on the same worker in the order they were
// accepted: a withdraw queued after a deliver never overtakes it.
//
// # Delivery
//
// Workers share a token-bucket limiter and retry failed calls with jittered
// exponential backoff. Outcomes are published on the event bus
// (notifier.delivered, notifier.withdrawn, notifier.failed, notifier.dropped)
// and kept in a small in-memory history.
//
// # Interactions
//
// While running, the service forwards the surface's interaction stream to the
// bus as "notification.selected" events.
package notifier

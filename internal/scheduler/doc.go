// Package scheduler owns the notification timer registry.
//
// A Service runs a single event loop. Method calls and timer fires are
// queued onto it, so the registry (id -> armed entry) and the list of
// immediately shown ids are only ever touched from that goroutine.
//
// # Schedules
//
//   - Periodic: re-armed every RepeatInterval until cancelled.
//   - Once: a zoned schedule without recurrence; fires once, then the entry is removed.
//   - Zoned recurring: phase 1 fires at NextFireInstant (aligning to the
//     requested time of day or day of week), then the same entry is re-armed
//     with the steady period (1 day or 1 week).
//
// # Drift
//
// Steady-state re-arming uses a fixed period counted from the moment a fire is
// handled, not a recomputed alignment. Loop latency and DST changes therefore
// shift later fires; this is accepted behavior.
//
// # Stale timers
//
// Every arm bumps a generation stored on the entry. A fire carrying an older
// generation (the entry was cancelled, replaced or re-armed meanwhile) is
// dropped, so a cancelled timer never dispatches even if its callback was
// already queued.
package scheduler

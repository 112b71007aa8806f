// Package storage is the persistence layer for the notification engine.
//
// It owns the six tables the engine coordinates through:
//   - notification_templates (read-mostly; written by admin tooling)
//   - notification_preferences (read-only to the engine)
//   - notification_queue (the work queue; mutated only by the pipeline)
//   - notification_history (append-only delivery audit trail)
//   - escalation_states (leveled reminder state machine)
//   - audit (structured operator/action log, write-only side channel)
//
// All coordination state lives here; the engine holds no cross-call memory,
// so multiple processor instances can run against the same store.
package storage

// Package relay is the job execution engine.
//
// A Supervisor keeps one runner per active job. Each runner cycle scans the
// source channel from the job cursor for up to batch-size matching messages
// (Scanner), copies them into the target (Forwarder), commits the new cursor
// and deletes expired copies (Retention), then sleeps for the job interval.
//
// Delivery is at-least-once: the cursor is committed after the forward phase,
// so a crash in the middle of a batch replays that batch on restart.
//
// The durable state of a job is its active flag and cursor in the store.
// Everything the Supervisor keeps in memory is rebuilt by Run (and Reconcile)
// from the active jobs it finds there.
package relay

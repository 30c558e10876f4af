// Package channel owns message transport between tasks.
//
// Ownership boundary:
// - buffer allocation against a bounded pool
// - single-owner buffer lifecycle (allocated, sent, delivered, freed)
// - per-receiver mailboxes and routing by (context, task)
// - the TCP bridge that carries frames to another execution context
package channel

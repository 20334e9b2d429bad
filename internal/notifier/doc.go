// Package notifier delivers rendered feed announcements to chat rooms.
//
// Dispatch enqueues one job per room. Jobs are sharded across workers by
// room ID, so each room receives announcements in the order they were
// dispatched while rooms proceed independently. Sends are rate limited and
// retried with exponential backoff; a room that keeps failing is logged and
// skipped without affecting the others.
package notifier

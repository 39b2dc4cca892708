// Package notifier turns a fired reminder phase into outbound messages.
//
// # Composition
//
// Composer picks wording and decorations for a phase from fixed pools. The
// random source is injected so tests can pin the output.
//
// # Delivery
//
// Dispatcher sends the composed units through a Channel in batches of at
// most MaxBatchUnits, pausing between batches to stay under the channel's
// rate limits. Every batch call has its own timeout; a failure stops the
// remaining batches and is returned to the caller, which decides whether to
// retry.
package notifier

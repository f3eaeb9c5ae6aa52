// Package dispatch correlates tasks handed to the worker pool with the results
// that come back on its shared outbound channel.
//
// A single registry goroutine owns the table of pending dispatches. Callers never
// touch it directly: registrations, cancellations and worker results all arrive
// as messages, so a result can only ever complete the dispatch that created it.
package dispatch

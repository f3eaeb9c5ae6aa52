// Package session provides streaming session management and lifecycle handling.
// It registers client connections, validates each inbound audio chunk, dispatches it
// to the worker pool and writes the correlated reply back to the originating connection.
package session

// Package classifier maps audio payload sizes onto transcript categories.
// It is the placeholder recognizer used by workers in mock mode.
package classifier

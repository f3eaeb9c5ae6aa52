// Package transcription implements the HTTP client for a remote transcription API.
// Audio chunks are posted as multipart form data; transient failures are retried
// with exponential backoff and concurrent requests are bounded by a semaphore.
package transcription

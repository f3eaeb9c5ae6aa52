package worker

import (
	"errors"
	"time"
)

// ErrorKindProcessing tags failures raised while processing a payload
const ErrorKindProcessing = "processing_error"

// UnknownSessionID is reported when a failing task cannot be identified
const UnknownSessionID = "unknown"

var (
	// ErrQueueClosed is returned by Submit once the pool has been stopped
	ErrQueueClosed = errors.New("worker queue closed")
	// ErrPoolRunning is returned by Start on an already started pool
	ErrPoolRunning = errors.New("worker pool already running")
	// ErrMalformedTask marks a task without session or correlation identity
	ErrMalformedTask = errors.New("malformed task")
)

// Task is one audio chunk awaiting processing. It is immutable once submitted.
type Task struct {
	CorrelationID string
	SessionID     string
	Payload       []byte
	EnqueuedAt    time.Time
}

// Result is the outcome produced for exactly one Task.
// Exactly one of the Success/Failure field groups is meaningful, selected by OK.
type Result struct {
	CorrelationID string
	SessionID     string
	ProducedAt    time.Time
	WorkerID      int

	OK bool

	// Success
	Text               string
	Language           string
	PayloadSize        int
	ProcessingDuration time.Duration

	// Failure
	ErrorKind    string
	ErrorMessage string
}

// Transcript is what a Processor returns for a payload
type Transcript struct {
	Text     string
	Language string
}

func successResult(task Task, workerID int, transcript Transcript, elapsed time.Duration) Result {
	return Result{
		CorrelationID:      task.CorrelationID,
		SessionID:          task.SessionID,
		ProducedAt:         time.Now().UTC(),
		WorkerID:           workerID,
		OK:                 true,
		Text:               transcript.Text,
		Language:           transcript.Language,
		PayloadSize:        len(task.Payload),
		ProcessingDuration: elapsed,
	}
}

func failureResult(task Task, workerID int, err error) Result {
	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = UnknownSessionID
	}
	return Result{
		CorrelationID: task.CorrelationID,
		SessionID:     sessionID,
		ProducedAt:    time.Now().UTC(),
		WorkerID:      workerID,
		OK:            false,
		ErrorKind:     ErrorKindProcessing,
		ErrorMessage:  err.Error(),
	}
}

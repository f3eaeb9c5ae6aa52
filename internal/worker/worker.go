package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is a worker's lifecycle position
type State int32

const (
	StateIdle State = iota
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Worker pulls tasks from the inbound queue and pushes one Result per task.
// Workers share no mutable state with each other.
type Worker struct {
	id        int
	processor Processor
	logger    *slog.Logger

	state  atomic.Int32
	exited atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64
}

// WorkerInfo is a point-in-time snapshot of one worker
type WorkerInfo struct {
	ID        int    `json:"id"`
	State     string `json:"state"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

func newWorker(id int, processor Processor, logger *slog.Logger) *Worker {
	return &Worker{
		id:        id,
		processor: processor,
		logger:    logger.With(slog.Int("worker_id", id)),
	}
}

// ID returns the worker's index within its pool
func (w *Worker) ID() int { return w.id }

// State returns the current lifecycle state
func (w *Worker) State() State { return State(w.state.Load()) }

// Info returns a snapshot of the worker
func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		ID:        w.id,
		State:     w.State().String(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

// run consumes tasks until stop is closed or ctx is cancelled.
// onExit is called exactly once when the worker leaves the loop.
func (w *Worker) run(ctx context.Context, stop <-chan struct{}, inbound <-chan Task, out chan<- Result, onExit func()) {
	defer func() {
		onExit()
		w.logger.Debug("Worker stopped")
	}()

	w.logger.Debug("Worker started")

	for {
		// stop takes priority over queued work
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case task := <-inbound:
			w.handle(ctx, task, out)
		}
	}
}

// handle processes a single task and emits its Result
func (w *Worker) handle(ctx context.Context, task Task, out chan<- Result) {
	if task.CorrelationID == "" || task.SessionID == "" {
		w.failed.Add(1)
		w.logger.Warn("Dropping malformed task",
			slog.String("correlation_id", task.CorrelationID),
			slog.String("session_id", task.SessionID),
		)
		w.emit(ctx, failureResult(task, w.id, ErrMalformedTask), out)
		return
	}

	// a worker the pool has already given up on stays stopped
	tracked := w.state.CompareAndSwap(int32(StateIdle), int32(StateProcessing))
	startTime := time.Now()
	transcript, err := w.process(ctx, task.Payload)
	elapsed := time.Since(startTime)
	if tracked {
		w.state.CompareAndSwap(int32(StateProcessing), int32(StateIdle))
	}

	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Task processing failed",
			slog.String("correlation_id", task.CorrelationID),
			slog.String("session_id", task.SessionID),
			slog.Int("payload_size", len(task.Payload)),
			slog.String("error", err.Error()),
		)
		w.emit(ctx, failureResult(task, w.id, err), out)
		return
	}

	w.processed.Add(1)
	w.logger.Debug("Task processed",
		slog.String("correlation_id", task.CorrelationID),
		slog.String("session_id", task.SessionID),
		slog.Int("payload_size", len(task.Payload)),
		slog.Duration("elapsed", elapsed),
	)
	w.emit(ctx, successResult(task, w.id, transcript, elapsed), out)
}

// process invokes the processor, converting a panic into an error
func (w *Worker) process(ctx context.Context, payload []byte) (transcript Transcript, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, payload)
}

// emit delivers r unless the worker has been forcibly terminated
func (w *Worker) emit(ctx context.Context, r Result, out chan<- Result) {
	select {
	case out <- r:
	case <-ctx.Done():
		w.logger.Warn("Discarding result of terminated worker",
			slog.String("correlation_id", r.CorrelationID),
		)
	}
}

// markExited flips the worker to stopped; it reports whether this call did so
func (w *Worker) markExited() bool {
	if !w.exited.CompareAndSwap(false, true) {
		return false
	}
	w.state.Store(int32(StateStopped))
	return true
}

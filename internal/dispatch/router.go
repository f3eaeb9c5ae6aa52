package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshubenok/audio-transcription-service/internal/worker"
)

var (
	// ErrDispatchTimeout is returned when no matching result arrives in time
	ErrDispatchTimeout = errors.New("dispatch timed out")
	// ErrRouterClosed is returned once the router has been closed
	ErrRouterClosed = errors.New("dispatch router closed")
	// ErrCanceled is returned when the caller's context ends before a result arrives
	ErrCanceled = errors.New("dispatch canceled")
)

// Pool is the part of the worker pool the router needs
type Pool interface {
	Submit(ctx context.Context, task worker.Task) error
	Results() <-chan worker.Result
}

// Observer receives dispatch outcomes, typically for metrics
type Observer interface {
	DispatchCompleted(ok bool, elapsed time.Duration)
	DispatchTimedOut()
	ResultUnmatched()
}

type pending struct {
	sessionID string
	done      chan worker.Result // buffered, receives at most one value
	createdAt time.Time
}

type registration struct {
	correlationID string
	entry         *pending
	accepted      chan bool
}

type cancellation struct {
	correlationID string
	removed       chan bool
}

type sessionRelease struct {
	sessionID string
	released  chan int
}

// Router hands tasks to the pool and routes each result back to its caller
type Router struct {
	pool     Pool
	logger   *slog.Logger
	observer Observer
	newID    func() string

	register chan registration
	cancel   chan cancellation
	release  chan sessionRelease

	ctx       context.Context
	stop      context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	pendingCount atomic.Int64
	dispatched   atomic.Uint64
	completed    atomic.Uint64
	timeouts     atomic.Uint64
	canceled     atomic.Uint64
	unmatched    atomic.Uint64
}

// RouterStats represents router statistics
type RouterStats struct {
	Pending    int64  `json:"pending"`
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Timeouts   uint64 `json:"timeouts"`
	Canceled   uint64 `json:"canceled"`
	Unmatched  uint64 `json:"unmatched"`
}

// Option configures a Router
type Option func(*Router)

// WithObserver reports dispatch outcomes to o
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// WithIDGenerator replaces the correlation id source. Generated ids must be unique.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) { r.newID = fn }
}

// NewRouter creates a router and starts its registry goroutine
func NewRouter(pool Pool, logger *slog.Logger, opts ...Option) *Router {
	ctx, stop := context.WithCancel(context.Background())

	r := &Router{
		pool:     pool,
		logger:   logger,
		observer: nopObserver{},
		newID:    uuid.NewString,
		register: make(chan registration),
		cancel:   make(chan cancellation),
		release:  make(chan sessionRelease),
		ctx:      ctx,
		stop:     stop,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()

	return r
}

// Dispatch submits payload for sessionID and waits for its result.
// It fails with ErrDispatchTimeout when timeout elapses first and with ErrCanceled
// when ctx ends first. In both cases the pending entry is dropped, so a late
// result for this dispatch is discarded. A result the registry delivered before
// the entry was dropped is returned as a success.
func (r *Router) Dispatch(ctx context.Context, sessionID string, payload []byte, timeout time.Duration) (worker.Result, error) {
	correlationID := r.newID()
	entry := &pending{
		sessionID: sessionID,
		done:      make(chan worker.Result, 1),
		createdAt: time.Now(),
	}

	if err := r.registerEntry(correlationID, entry); err != nil {
		return worker.Result{}, err
	}
	r.dispatched.Add(1)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task := worker.Task{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		Payload:       payload,
		EnqueuedAt:    entry.createdAt,
	}

	if err := r.pool.Submit(waitCtx, task); err != nil {
		if !r.forget(correlationID) {
			r.discardDelivered(entry)
		}
		if errors.Is(err, worker.ErrQueueClosed) {
			return worker.Result{}, err
		}
		return worker.Result{}, r.waitError(ctx, correlationID, err)
	}

	select {
	case result := <-entry.done:
		r.completed.Add(1)
		r.observer.DispatchCompleted(result.OK, time.Since(entry.createdAt))
		return result, nil
	case <-waitCtx.Done():
		if !r.forget(correlationID) {
			// the registry matched the result before the deadline was seen
			select {
			case result := <-entry.done:
				r.completed.Add(1)
				r.observer.DispatchCompleted(result.OK, time.Since(entry.createdAt))
				return result, nil
			default:
			}
		}
		return worker.Result{}, r.waitError(ctx, correlationID, waitCtx.Err())
	case <-r.ctx.Done():
		return worker.Result{}, ErrRouterClosed
	}
}

// discardDelivered accounts for a result that was matched to a dispatch which
// has already failed, so every emitted result is counted exactly once.
func (r *Router) discardDelivered(entry *pending) {
	select {
	case result := <-entry.done:
		r.unmatched.Add(1)
		r.observer.ResultUnmatched()
		r.logger.Warn("Discarding result of failed dispatch",
			slog.String("correlation_id", result.CorrelationID),
			slog.String("session_id", result.SessionID),
		)
	default:
	}
}

// waitError classifies why waiting stopped
func (r *Router) waitError(parent context.Context, correlationID string, cause error) error {
	if parent.Err() != nil {
		r.canceled.Add(1)
		return fmt.Errorf("%w: %s: %v", ErrCanceled, correlationID, parent.Err())
	}
	r.timeouts.Add(1)
	r.observer.DispatchTimedOut()
	return fmt.Errorf("%w: %s: %v", ErrDispatchTimeout, correlationID, cause)
}

func (r *Router) registerEntry(correlationID string, entry *pending) error {
	reg := registration{correlationID: correlationID, entry: entry, accepted: make(chan bool, 1)}

	select {
	case r.register <- reg:
	case <-r.ctx.Done():
		return ErrRouterClosed
	}

	if !<-reg.accepted {
		return fmt.Errorf("correlation id %s already pending", correlationID)
	}
	return nil
}

// forget asks the registry to drop an entry and reports whether it was still
// pending. false means the entry was already delivered or released, so any
// result is already in entry.done and a later one will count as unmatched.
func (r *Router) forget(correlationID string) bool {
	c := cancellation{correlationID: correlationID, removed: make(chan bool, 1)}

	select {
	case r.cancel <- c:
	case <-r.ctx.Done():
		return false
	}

	select {
	case removed := <-c.removed:
		return removed
	case <-r.ctx.Done():
		return false
	}
}

// ReleaseSession drops every pending entry of sessionID and returns how many
// were removed. Results for them that arrive later are discarded.
func (r *Router) ReleaseSession(sessionID string) int {
	req := sessionRelease{sessionID: sessionID, released: make(chan int, 1)}

	select {
	case r.release <- req:
	case <-r.ctx.Done():
		return 0
	}

	select {
	case n := <-req.released:
		return n
	case <-r.ctx.Done():
		return 0
	}
}

// Pending returns the number of dispatches awaiting a result
func (r *Router) Pending() int {
	return int(r.pendingCount.Load())
}

// Stats returns current router statistics
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Pending:    r.pendingCount.Load(),
		Dispatched: r.dispatched.Load(),
		Completed:  r.completed.Load(),
		Timeouts:   r.timeouts.Load(),
		Canceled:   r.canceled.Load(),
		Unmatched:  r.unmatched.Load(),
	}
}

// Close stops the registry goroutine. Waiting dispatches fail with ErrRouterClosed.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.stop()
		<-r.done
		r.logger.Info("Dispatch router stopped",
			slog.Uint64("dispatched", r.dispatched.Load()),
			slog.Uint64("timeouts", r.timeouts.Load()),
			slog.Uint64("unmatched", r.unmatched.Load()),
		)
	})
}

// loop is the only goroutine that reads or writes the pending table
func (r *Router) loop() {
	defer close(r.done)

	table := make(map[string]*pending)
	results := r.pool.Results()

	for {
		select {
		case <-r.ctx.Done():
			r.pendingCount.Store(0)
			return

		case reg := <-r.register:
			if _, exists := table[reg.correlationID]; exists {
				reg.accepted <- false
				continue
			}
			table[reg.correlationID] = reg.entry
			r.pendingCount.Store(int64(len(table)))
			reg.accepted <- true

		case c := <-r.cancel:
			_, exists := table[c.correlationID]
			if exists {
				delete(table, c.correlationID)
				r.pendingCount.Store(int64(len(table)))
			}
			c.removed <- exists

		case req := <-r.release:
			released := 0
			for id, entry := range table {
				if entry.sessionID == req.sessionID {
					delete(table, id)
					released++
				}
			}
			r.pendingCount.Store(int64(len(table)))
			req.released <- released

		case result := <-results:
			entry, exists := table[result.CorrelationID]
			if !exists {
				r.unmatched.Add(1)
				r.observer.ResultUnmatched()
				r.logger.Warn("Discarding unmatched result",
					slog.String("correlation_id", result.CorrelationID),
					slog.String("session_id", result.SessionID),
					slog.Bool("ok", result.OK),
				)
				continue
			}
			delete(table, result.CorrelationID)
			r.pendingCount.Store(int64(len(table)))
			entry.done <- result
		}
	}
}

type nopObserver struct{}

func (nopObserver) DispatchCompleted(bool, time.Duration) {}
func (nopObserver) DispatchTimedOut()                     {}
func (nopObserver) ResultUnmatched()                      {}

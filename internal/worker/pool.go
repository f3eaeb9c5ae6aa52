package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrForcedShutdown is returned by Stop when workers had to be terminated
var ErrForcedShutdown = errors.New("workers did not drain within shutdown timeout")

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

// PoolConfig contains worker pool configuration
type PoolConfig struct {
	Size         int
	QueueSize    int
	ResultBuffer int
}

// Pool supervises a fixed set of workers bound to one inbound task queue
// and one outbound result channel.
type Pool struct {
	config    PoolConfig
	processor Processor
	logger    *slog.Logger

	inbound chan Task
	results chan Result

	mu       sync.Mutex
	state    poolState
	workers  []*Worker
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	kill     context.CancelFunc
	wg       sync.WaitGroup

	alive     atomic.Int32
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// PoolStats represents pool statistics
type PoolStats struct {
	Running       bool         `json:"running"`
	Size          int          `json:"size"`
	AliveWorkers  int          `json:"alive_workers"`
	Submitted     uint64       `json:"submitted"`
	Rejected      uint64       `json:"rejected"`
	Processed     uint64       `json:"processed"`
	Failed        uint64       `json:"failed"`
	QueueLength   int          `json:"queue_length"`
	QueueCapacity int          `json:"queue_capacity"`
	Workers       []WorkerInfo `json:"workers"`
}

// NewPool creates a stopped pool. Start must be called before tasks are consumed.
func NewPool(config PoolConfig, processor Processor, logger *slog.Logger) (*Pool, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	if config.Size < 1 {
		config.Size = 1
	}

	if config.QueueSize < 1 {
		config.QueueSize = 64
	}

	if config.ResultBuffer < 1 {
		config.ResultBuffer = config.QueueSize
	}

	ctx, kill := context.WithCancel(context.Background())

	return &Pool{
		config:    config,
		processor: processor,
		logger:    logger,
		inbound:   make(chan Task, config.QueueSize),
		results:   make(chan Result, config.ResultBuffer),
		stop:      make(chan struct{}),
		ctx:       ctx,
		kill:      kill,
	}, nil
}

// Start spawns the configured number of workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case poolRunning:
		return ErrPoolRunning
	case poolStopped:
		return ErrQueueClosed
	}

	p.workers = make([]*Worker, 0, p.config.Size)
	for i := 0; i < p.config.Size; i++ {
		w := newWorker(i, p.processor, p.logger)
		p.workers = append(p.workers, w)

		p.alive.Add(1)
		p.wg.Add(1)
		go w.run(p.ctx, p.stop, p.inbound, p.results, func() {
			if w.markExited() {
				p.alive.Add(-1)
			}
			p.wg.Done()
		})
	}
	p.state = poolRunning

	p.logger.Info("Worker pool started",
		slog.Int("workers", p.config.Size),
		slog.Int("queue_size", p.config.QueueSize),
	)

	return nil
}

// Stop tells every worker to take no further tasks and waits up to timeout
// for in-flight tasks to finish. Workers still busy after that are terminated:
// their processing context is cancelled and any late result is discarded.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != poolRunning {
		p.state = poolStopped
		p.mu.Unlock()
		p.closeStop()
		return nil
	}
	p.state = poolStopped
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool...", slog.Duration("shutdown_timeout", timeout))
	p.closeStop()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		p.kill()
		p.logger.Info("Worker pool stopped", slog.Int("abandoned_tasks", len(p.inbound)))
		return nil
	case <-timer.C:
	}

	p.kill()

	terminated := 0
	for _, w := range p.workers {
		if w.markExited() {
			p.alive.Add(-1)
			terminated++
		}
	}

	p.logger.Warn("Worker pool forcibly stopped",
		slog.Int("terminated_workers", terminated),
		slog.Int("abandoned_tasks", len(p.inbound)),
	)

	if terminated > 0 {
		return fmt.Errorf("%w: %d terminated", ErrForcedShutdown, terminated)
	}
	return nil
}

func (p *Pool) closeStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Submit enqueues a task. It blocks while the queue is full until ctx is done,
// and fails with ErrQueueClosed once the pool has been stopped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	select {
	case p.inbound <- task:
		// select picks randomly when stop is already closed and the queue has
		// room, so the enqueue may have raced Stop
		select {
		case <-p.stop:
			p.withdraw()
			p.rejected.Add(1)
			return ErrQueueClosed
		default:
		}
		p.submitted.Add(1)
		return nil
	case <-p.stop:
		p.rejected.Add(1)
		return ErrQueueClosed
	case <-ctx.Done():
		p.rejected.Add(1)
		return fmt.Errorf("submit task %s: %w", task.CorrelationID, ctx.Err())
	}
}

// withdraw takes one task back out of a stopped pool's queue. Workers no longer
// pick up queued tasks once stop is closed, so which one is taken is irrelevant.
func (p *Pool) withdraw() {
	select {
	case <-p.inbound:
	default:
	}
}

// Results returns the shared outbound channel. It is never closed.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// IsAlive reports whether at least one worker is running
func (p *Pool) IsAlive() bool {
	return p.alive.Load() > 0
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	running := p.state == poolRunning
	workers := make([]WorkerInfo, 0, len(p.workers))
	var processed, failed uint64
	for _, w := range p.workers {
		info := w.Info()
		processed += info.Processed
		failed += info.Failed
		workers = append(workers, info)
	}
	p.mu.Unlock()

	return PoolStats{
		Running:       running,
		Size:          p.config.Size,
		AliveWorkers:  int(p.alive.Load()),
		Submitted:     p.submitted.Load(),
		Rejected:      p.rejected.Load(),
		Processed:     processed,
		Failed:        failed,
		QueueLength:   len(p.inbound),
		QueueCapacity: cap(p.inbound),
		Workers:       workers,
	}
}

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshubenok/audio-transcription-service/internal/classifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockProcessor(t *testing.T) *MockProcessor {
	t.Helper()
	c, err := classifier.New(
		classifier.Thresholds{Short: 1000, Medium: 5000, Long: 15000},
		classifier.Texts{
			classifier.CategoryTooSmall: "too small",
			classifier.CategoryShort:    "short",
			classifier.CategoryMedium:   "medium",
			classifier.CategoryLong:     "long",
		},
	)
	require.NoError(t, err)
	return &MockProcessor{Classifier: c, Language: "ru"}
}

func newStartedPool(t *testing.T, size int, processor Processor) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{Size: size, QueueSize: 16, ResultBuffer: 16}, processor, testLogger())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	return pool
}

func receive(t *testing.T, pool *Pool) Result {
	t.Helper()
	select {
	case r := <-pool.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestNewPoolRequiresProcessor(t *testing.T) {
	_, err := NewPool(PoolConfig{Size: 1}, nil, testLogger())
	assert.Error(t, err)
}

func TestPoolStartIsIdempotent(t *testing.T) {
	pool := newStartedPool(t, 2, mockProcessor(t))

	assert.ErrorIs(t, pool.Start(), ErrPoolRunning)
	assert.True(t, pool.IsAlive())
	assert.Equal(t, 2, pool.Stats().AliveWorkers)
}

func TestPoolProcessesTask(t *testing.T) {
	pool := newStartedPool(t, 1, mockProcessor(t))

	payload := make([]byte, 1500)
	require.NoError(t, pool.Submit(context.Background(), Task{
		CorrelationID: "corr-1",
		SessionID:     "client_1",
		Payload:       payload,
	}))

	r := receive(t, pool)
	assert.True(t, r.OK)
	assert.Equal(t, "corr-1", r.CorrelationID)
	assert.Equal(t, "client_1", r.SessionID)
	assert.Equal(t, "short", r.Text)
	assert.Equal(t, "ru", r.Language)
	assert.Equal(t, 1500, r.PayloadSize)
	assert.GreaterOrEqual(t, r.ProcessingDuration, time.Duration(0))
	assert.False(t, r.ProducedAt.IsZero())

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestPoolReportsProcessorError(t *testing.T) {
	pool := newStartedPool(t, 1, ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		return Transcript{}, errors.New("decoder exploded")
	}))

	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s", Payload: []byte{1}}))

	r := receive(t, pool)
	assert.False(t, r.OK)
	assert.Equal(t, ErrorKindProcessing, r.ErrorKind)
	assert.Equal(t, "decoder exploded", r.ErrorMessage)
	assert.Equal(t, "s", r.SessionID)
	assert.Equal(t, "c", r.CorrelationID)
	assert.Equal(t, uint64(1), pool.Stats().Failed)
}

func TestPoolRecoversProcessorPanic(t *testing.T) {
	pool := newStartedPool(t, 1, ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		panic("boom")
	}))

	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"}))

	r := receive(t, pool)
	assert.False(t, r.OK)
	assert.Contains(t, r.ErrorMessage, "boom")
	assert.True(t, pool.IsAlive(), "worker keeps running after a recovered panic")
}

func TestPoolMalformedTask(t *testing.T) {
	pool := newStartedPool(t, 1, mockProcessor(t))

	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "c-only"}))

	r := receive(t, pool)
	assert.False(t, r.OK)
	assert.Equal(t, UnknownSessionID, r.SessionID)
	assert.Equal(t, ErrorKindProcessing, r.ErrorKind)
	assert.Equal(t, ErrMalformedTask.Error(), r.ErrorMessage)
}

func TestPoolRunsWorkersConcurrently(t *testing.T) {
	const size = 4
	var inFlight, peak atomic.Int32
	release := make(chan struct{})

	pool := newStartedPool(t, size, ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return Transcript{Text: "ok"}, nil
	}))

	for i := 0; i < size; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: string(rune('a' + i)), SessionID: "s"}))
	}

	require.Eventually(t, func() bool { return peak.Load() == size }, 2*time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < size; i++ {
		assert.True(t, receive(t, pool).OK)
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := newStartedPool(t, 1, mockProcessor(t))
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.False(t, pool.IsAlive())
	assert.ErrorIs(t, pool.Start(), ErrQueueClosed)
	assert.Equal(t, uint64(1), pool.Stats().Rejected)
}

func TestPoolSubmitBlocksUntilContextWhenFull(t *testing.T) {
	pool, err := NewPool(PoolConfig{Size: 1, QueueSize: 1}, mockProcessor(t), testLogger())
	require.NoError(t, err)
	// not started: nothing drains the queue
	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "1", SessionID: "s"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = pool.Submit(ctx, Task{CorrelationID: "2", SessionID: "s"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, pool.Stats().QueueLength)
}

func TestPoolStopDrainsCooperativeWorker(t *testing.T) {
	started := make(chan struct{})
	pool := newStartedPool(t, 1, ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return Transcript{Text: "done"}, nil
	}))

	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"}))
	<-started

	require.NoError(t, pool.Stop(time.Second))
	assert.False(t, pool.IsAlive())

	r := receive(t, pool)
	assert.True(t, r.OK, "in-flight task finishes during graceful drain")
}

func TestPoolStopTerminatesStuckWorker(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)

	pool := newStartedPool(t, 2, ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		close(started)
		<-block // ignores ctx on purpose
		return Transcript{}, nil
	}))

	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"}))
	<-started

	const shutdownTimeout = 100 * time.Millisecond
	begin := time.Now()
	err := pool.Stop(shutdownTimeout)
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, ErrForcedShutdown)
	assert.Less(t, elapsed, shutdownTimeout+500*time.Millisecond)
	assert.False(t, pool.IsAlive())
	assert.Equal(t, 0, pool.Stats().AliveWorkers)
	for _, w := range pool.Stats().Workers {
		assert.Equal(t, StateStopped.String(), w.State)
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool := newStartedPool(t, 1, mockProcessor(t))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Stop(time.Second)
		}()
	}
	wg.Wait()
	assert.False(t, pool.IsAlive())
}

func TestStopBeforeStart(t *testing.T) {
	pool, err := NewPool(PoolConfig{Size: 1}, mockProcessor(t), testLogger())
	require.NoError(t, err)

	assert.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"}), ErrQueueClosed)
}

func TestPoolSubmitNeverAcceptsAfterStop(t *testing.T) {
	pool, err := NewPool(PoolConfig{Size: 1, QueueSize: 8}, mockProcessor(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Stop(time.Second))

	// the queue has room, so only the stop check keeps these out
	const attempts = 200
	for i := 0; i < attempts; i++ {
		err := pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"})
		require.ErrorIs(t, err, ErrQueueClosed, "attempt %d", i)
	}

	stats := pool.Stats()
	assert.Equal(t, uint64(0), stats.Submitted)
	assert.Equal(t, uint64(attempts), stats.Rejected)
	assert.Equal(t, 0, stats.QueueLength)
}

func TestPoolSubmitRacingStopIsAccounted(t *testing.T) {
	pool, err := NewPool(PoolConfig{Size: 2, QueueSize: 64}, mockProcessor(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	const submitters = 8
	const perSubmitter = 50
	var accepted, refused atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				if err := pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"}); err != nil {
					assert.ErrorIs(t, err, ErrQueueClosed)
					refused.Add(1)
					continue
				}
				accepted.Add(1)
			}
		}()
	}
	drained := make(chan struct{})
	defer close(drained)
	go func() {
		for {
			select {
			case <-pool.Results():
			case <-drained:
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
	wg.Wait()

	stats := pool.Stats()
	assert.Equal(t, accepted.Load(), stats.Submitted)
	assert.Equal(t, refused.Load(), stats.Rejected)
	assert.Equal(t, uint64(submitters*perSubmitter), stats.Submitted+stats.Rejected)
}

func TestStoppedWorkerStaysStoppedWhileHandling(t *testing.T) {
	w := newWorker(0, mockProcessor(t), testLogger())
	require.True(t, w.markExited())

	seen := make(chan State, 1)
	w.processor = ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		seen <- w.State()
		return Transcript{Text: "late"}, nil
	})

	out := make(chan Result, 1)
	w.handle(context.Background(), Task{CorrelationID: "c", SessionID: "s", Payload: []byte("x")}, out)

	assert.Equal(t, StateStopped, <-seen)
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, "stopped", w.Info().State)
	assert.True(t, (<-out).OK)
}

func TestTerminatedWorkerStaysStoppedAfterProcessorReturns(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	returned := make(chan struct{})

	pool := newStartedPool(t, 1, ProcessorFunc(func(ctx context.Context, payload []byte) (Transcript, error) {
		close(started)
		<-block
		defer close(returned)
		return Transcript{}, nil
	}))

	require.NoError(t, pool.Submit(context.Background(), Task{CorrelationID: "c", SessionID: "s"}))
	<-started
	require.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrForcedShutdown)

	close(block)
	<-returned
	time.Sleep(10 * time.Millisecond)

	for _, info := range pool.Stats().Workers {
		assert.Equal(t, StateStopped.String(), info.State)
	}
}

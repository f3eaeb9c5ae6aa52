package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshubenok/audio-transcription-service/internal/dispatch"
	"github.com/dshubenok/audio-transcription-service/internal/worker"
)

// ErrManagerClosed is returned by Serve once the manager is shutting down
var ErrManagerClosed = errors.New("session manager closed")

// errSessionFatal ends a session after its error notification has been sent
var errSessionFatal = errors.New("session cannot continue")

// State is a session's position in its per-chunk protocol
type State int32

const (
	StateConnected State = iota
	StateAwaitingChunk
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingChunk:
		return "awaiting_chunk"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Dispatcher submits a chunk on behalf of a session and waits for its result
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, payload []byte, timeout time.Duration) (worker.Result, error)
	ReleaseSession(sessionID string) int
}

// Recorder receives session level measurements
type Recorder interface {
	RecordSessionOpened(active int)
	RecordSessionClosed(active int, lifetime time.Duration)
	RecordChunk(sizeBytes int, rejected bool)
	RecordNotification(kind, code string)
}

// Config contains session protocol parameters
type Config struct {
	MinAudioSize    int
	DispatchTimeout time.Duration
	Language        string
}

// Session is the server-side state of one connected client
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn   Conn
	cancel context.CancelFunc

	state          atomic.Int32
	lastActivity   atomic.Int64 // unix nanos
	chunksReceived atomic.Uint64
	chunksRejected atomic.Uint64
	transcripts    atomic.Uint64
	errorsSent     atomic.Uint64
}

// SessionInfo represents session information for monitoring APIs
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	RemoteAddr     string    `json:"remote_addr"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
	ChunksReceived uint64    `json:"chunks_received"`
	ChunksRejected uint64    `json:"chunks_rejected"`
	Transcripts    uint64    `json:"transcripts"`
	Errors         uint64    `json:"errors"`
}

// State returns the session's current protocol state
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		SessionID:      s.ID,
		RemoteAddr:     s.RemoteAddr,
		State:          s.State().String(),
		ConnectedAt:    s.ConnectedAt,
		LastActivity:   time.Unix(0, s.lastActivity.Load()),
		ChunksReceived: s.chunksReceived.Load(),
		ChunksRejected: s.chunksRejected.Load(),
		Transcripts:    s.transcripts.Load(),
		Errors:         s.errorsSent.Load(),
	}
}

// Manager owns the registry of open sessions. The map is only mutated by
// Serve's own register and deregister steps.
type Manager struct {
	config     Config
	dispatcher Dispatcher
	recorder   Recorder
	logger     *slog.Logger
	newID      func() string

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup

	accepted atomic.Uint64
	chunks   atomic.Uint64
	rejected atomic.Uint64
}

// Stats represents manager statistics
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	TotalAccepted  uint64 `json:"total_accepted"`
	ChunksReceived uint64 `json:"chunks_received"`
	ChunksRejected uint64 `json:"chunks_rejected"`
}

// Option configures a Manager
type Option func(*Manager)

// WithRecorder reports session measurements to r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithIDGenerator replaces the session id source
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager creates a session manager
func NewManager(config Config, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		config:     config,
		dispatcher: dispatcher,
		recorder:   nopRecorder{},
		logger:     logger,
		newID:      newClientID,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newClientID returns "client_" plus eight hex digits of a random UUID
func newClientID() string {
	return "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Serve runs the session protocol on conn until the peer disconnects, ctx ends
// or the manager closes. Per-chunk failures are reported to the client and never
// end the session; only transport failures and a stopped worker pool do.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := m.register(conn, cancel)
	if err != nil {
		conn.Close()
		return err
	}
	defer m.deregister(sess)

	log := m.logger.With(slog.String("session_id", sess.ID))

	if err := m.send(sessCtx, sess, NewStatus(sess.ID, "connected", "ready to receive audio")); err != nil {
		log.Warn("Failed to send connected status", slog.String("error", err.Error()))
		conn.Close()
		return fmt.Errorf("send status: %w", err)
	}
	sess.setState(StateAwaitingChunk)

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			chunk, err := conn.ReadChunk(sessCtx)
			if err != nil {
				readErr <- err
				cancel()
				return
			}
			select {
			case chunks <- chunk:
			case <-sessCtx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		conn.Close()
		<-readerDone
	}()

	for {
		select {
		case <-sessCtx.Done():
			return m.exitReason(log, readErr)
		case chunk := <-chunks:
			if err := m.handleChunk(sessCtx, sess, chunk); err != nil {
				if errors.Is(err, errSessionFatal) {
					log.Warn("Closing session", slog.String("error", err.Error()))
					return err
				}
				if sessCtx.Err() != nil {
					return m.exitReason(log, readErr)
				}
				log.Warn("Write to client failed", slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// exitReason turns the reader's final error into Serve's return value
func (m *Manager) exitReason(log *slog.Logger, readErr <-chan error) error {
	select {
	case err := <-readErr:
		if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
			log.Debug("Peer closed connection")
			return nil
		}
		log.Warn("Connection read failed", slog.String("error", err.Error()))
		return err
	default:
		return nil
	}
}

// handleChunk validates, dispatches and answers a single chunk.
// A returned error ends the session.
func (m *Manager) handleChunk(ctx context.Context, sess *Session, chunk []byte) error {
	sess.touch()
	sess.chunksReceived.Add(1)
	m.chunks.Add(1)

	if len(chunk) < m.config.MinAudioSize {
		sess.chunksRejected.Add(1)
		m.rejected.Add(1)
		m.recorder.RecordChunk(len(chunk), true)
		return m.send(ctx, sess, NewError(sess.ID, CodeChunkTooSmall,
			fmt.Sprintf("minimum %d bytes, got %d", m.config.MinAudioSize, len(chunk))))
	}
	m.recorder.RecordChunk(len(chunk), false)

	sess.setState(StateDispatching)
	result, err := m.dispatcher.Dispatch(ctx, sess.ID, chunk, m.config.DispatchTimeout)
	sess.setState(StateAwaitingChunk)

	switch {
	case err == nil && result.OK:
		sess.transcripts.Add(1)
		return m.send(ctx, sess, NewTranscript(sess.ID, result, m.config.Language))

	case err == nil:
		return m.send(ctx, sess, NewError(sess.ID, CodeProcessingError, result.ErrorMessage))

	case errors.Is(err, dispatch.ErrDispatchTimeout):
		return m.send(ctx, sess, NewError(sess.ID, CodeTimeoutError,
			fmt.Sprintf("timed out waiting for result: %v", err)))

	case errors.Is(err, worker.ErrQueueClosed), errors.Is(err, dispatch.ErrRouterClosed):
		if sendErr := m.send(ctx, sess, NewError(sess.ID, CodeServiceUnavailable,
			"audio processor is not running")); sendErr != nil {
			return sendErr
		}
		return fmt.Errorf("%w: %v", errSessionFatal, err)

	case errors.Is(err, dispatch.ErrCanceled):
		return err

	default:
		return m.send(ctx, sess, NewError(sess.ID, CodeProcessingError, err.Error()))
	}
}

// send writes n to the session's connection
func (m *Manager) send(ctx context.Context, sess *Session, n Notification) error {
	code := ""
	if n.Error != nil {
		code = n.Error.Code
		sess.errorsSent.Add(1)
	}
	m.recorder.RecordNotification(n.Type, code)
	return sess.conn.WriteNotification(ctx, n)
}

func (m *Manager) register(conn Conn, cancel context.CancelFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	id := m.newID()
	for attempt := 0; m.sessions[id] != nil; attempt++ {
		if attempt >= 8 {
			return nil, fmt.Errorf("could not allocate a unique session id")
		}
		id = m.newID()
	}

	now := time.Now()
	sess := &Session{
		ID:          id,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: now,
		conn:        conn,
		cancel:      cancel,
	}
	sess.touch()
	sess.setState(StateConnected)

	m.sessions[id] = sess
	m.wg.Add(1)
	m.accepted.Add(1)
	active := len(m.sessions)

	m.recorder.RecordSessionOpened(active)
	m.logger.Info("Client connected",
		slog.String("session_id", id),
		slog.String("remote_addr", sess.RemoteAddr),
		slog.Int("active_sessions", active),
	)

	return sess, nil
}

func (m *Manager) deregister(sess *Session) {
	sess.setState(StateClosed)
	released := m.dispatcher.ReleaseSession(sess.ID)

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	active := len(m.sessions)
	m.mu.Unlock()

	lifetime := time.Since(sess.ConnectedAt)
	m.recorder.RecordSessionClosed(active, lifetime)
	m.logger.Info("Client disconnected",
		slog.String("session_id", sess.ID),
		slog.Duration("duration", lifetime),
		slog.Uint64("chunks_received", sess.chunksReceived.Load()),
		slog.Uint64("transcripts", sess.transcripts.Load()),
		slog.Int("released_dispatches", released),
		slog.Int("active_sessions", active),
	)
	m.wg.Done()
}

// GetSession retrieves an active session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

// ActiveCount returns the number of connected sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of all active sessions
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// Stats returns current manager statistics
func (m *Manager) Stats() Stats {
	return Stats{
		ActiveSessions: m.ActiveCount(),
		TotalAccepted:  m.accepted.Load(),
		ChunksReceived: m.chunks.Load(),
		ChunksRejected: m.rejected.Load(),
	}
}

// Close refuses new sessions, ends all open ones and waits for them to finish
// or for ctx to expire
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		open = append(open, sess)
	}
	m.mu.Unlock()

	m.logger.Info("Stopping session manager...", slog.Int("open_sessions", len(open)))

	for _, sess := range open {
		sess.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Session manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionOpened(int)                {}
func (nopRecorder) RecordSessionClosed(int, time.Duration) {}
func (nopRecorder) RecordChunk(int, bool)                  {}
func (nopRecorder) RecordNotification(string, string)      {}

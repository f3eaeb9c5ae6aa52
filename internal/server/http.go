package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dshubenok/audio-transcription-service/internal/config"
	"github.com/dshubenok/audio-transcription-service/internal/dispatch"
	"github.com/dshubenok/audio-transcription-service/internal/metrics"
	"github.com/dshubenok/audio-transcription-service/internal/session"
	"github.com/dshubenok/audio-transcription-service/internal/transcription"
	"github.com/dshubenok/audio-transcription-service/internal/worker"
)

const (
	serviceName    = "audio-transcription-service"
	serviceVersion = "1.0.0"
)

// PoolMonitor is the read-only view of the worker pool used by the API
type PoolMonitor interface {
	IsAlive() bool
	Stats() worker.PoolStats
}

// RouterMonitor is the read-only view of the dispatch router used by the API
type RouterMonitor interface {
	Stats() dispatch.RouterStats
}

// TranscriptionMonitor reports remote transcription client statistics
type TranscriptionMonitor interface {
	GetStats() transcription.ClientStats
}

// Dependencies are the components the HTTP server exposes
type Dependencies struct {
	Sessions      *session.Manager
	Pool          PoolMonitor
	Router        RouterMonitor
	Metrics       *metrics.Metrics
	Transcription TranscriptionMonitor // nil in mock mode
}

// HTTPServer serves the streaming endpoint plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	deps     Dependencies
	upgrader websocket.Upgrader
	wsConfig WSConfig

	startTime time.Time
}

// NewHTTPServer creates the HTTP server with all routes registered
func NewHTTPServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger: logger,
		config: cfg,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		wsConfig: WSConfig{
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			PingInterval:   cfg.WebSocket.GetPingIntervalDuration(),
			WriteTimeout:   cfg.Server.GetWriteTimeoutDuration(),
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.GetReadTimeoutDuration(),
		// WriteTimeout is applied per notification on upgraded connections
		WriteTimeout: cfg.Server.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Streaming endpoint; the upgrade needs the raw ResponseWriter
	mux.HandleFunc(h.config.WebSocket.Path, h.handleWebSocket)

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.Handle("/metrics", h.metricsHandler())
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// metricsHandler refreshes the pool gauges before each scrape
func (h *HTTPServer) metricsHandler() http.Handler {
	inner := h.deps.Metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := h.deps.Pool.Stats()
		h.deps.Metrics.SetPoolState(stats.AliveWorkers, stats.QueueLength)
		inner.ServeHTTP(w, r)
	})
}

// ListenAndServe binds the configured address and serves until Stop
func (h *HTTPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	return h.Serve(ln)
}

// Serve accepts connections on ln until Stop. It returns nil after a graceful stop.
func (h *HTTPServer) Serve(ln net.Listener) error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", ln.Addr().String()),
		slog.String("websocket_path", h.config.WebSocket.Path),
	)

	if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop stops accepting connections and waits for in-flight HTTP requests.
// Upgraded connections are owned by the session manager.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleRoot implements the / endpoint with service information
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     serviceName,
		"version":     serviceVersion,
		"description": "Streaming audio transcription over WebSocket",
		"websocket":   h.config.WebSocket.Path,
		"endpoints": map[string]string{
			"GET " + h.config.WebSocket.Path: "WebSocket audio stream",
			"GET /":                          "Service information",
			"GET /health":                    "Service health check",
			"GET /sessions":                  "List active sessions",
			"GET /sessions/{id}":             "Get session details",
			"GET /config":                    "Get service configuration",
			"GET /stats":                     "Get service statistics",
			"GET /metrics":                   "Prometheus metrics",
		},
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	alive := h.deps.Pool.IsAlive()
	status, code := "ok", http.StatusOK
	if !alive {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":          status,
		"clients":         h.deps.Sessions.ActiveCount(),
		"audio_processor": alive,
		"uptime":          time.Since(h.startTime).String(),
		"timestamp":       time.Now().UTC(),
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.deps.Sessions.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, ok := h.deps.Sessions.GetSession(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sess.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"address":       c.Server.Address,
			"port":          c.Server.Port,
			"read_timeout":  c.Server.ReadTimeout,
			"write_timeout": c.Server.WriteTimeout,
		},
		"websocket": map[string]interface{}{
			"path":             c.WebSocket.Path,
			"min_audio_size":   c.WebSocket.MinAudioSize,
			"timeout":          c.WebSocket.Timeout,
			"max_message_size": c.WebSocket.MaxMessageSize,
			"ping_interval":    c.WebSocket.PingInterval,
			"language":         c.WebSocket.Language,
		},
		"workers": map[string]interface{}{
			"pool_size":        c.Workers.PoolSize,
			"queue_size":       c.Workers.QueueSize,
			"result_buffer":    c.Workers.ResultBuffer,
			"shutdown_timeout": c.Workers.ShutdownTimeout,
		},
		"classifier": map[string]interface{}{
			"thresholds": map[string]int{
				"short":  c.Classifier.Thresholds.Short,
				"medium": c.Classifier.Thresholds.Medium,
				"long":   c.Classifier.Thresholds.Long,
			},
		},
		"processor": map[string]interface{}{
			"mode":           c.Processor.Mode,
			"endpoint":       c.Processor.Endpoint,
			"audio_format":   c.Processor.AudioFormat,
			"sample_rate":    c.Processor.SampleRate,
			"timeout":        c.Processor.Timeout,
			"max_retries":    c.Processor.MaxRetries,
			"max_concurrent": c.Processor.MaxConcurrent,
			// api_key is never exposed
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// SystemStats describes process and host resource usage
type SystemStats struct {
	NumGoroutine    int     `json:"num_goroutine"`
	AllocBytes      uint64  `json:"alloc_bytes"`
	SysBytes        uint64  `json:"sys_bytes"`
	NumGC           uint32  `json:"num_gc"`
	TotalRAM        uint64  `json:"total_ram"`
	AvailableRAM    uint64  `json:"available_ram"`
	UsedRAMPercent  float64 `json:"used_ram_percent"`
	CPUCores        int     `json:"cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
}

func systemStats() SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := SystemStats{
		NumGoroutine: runtime.NumGoroutine(),
		AllocBytes:   memStats.Alloc,
		SysBytes:     memStats.Sys,
		NumGC:        memStats.NumGC,
		CPUCores:     runtime.NumCPU(),
	}

	// host figures are best effort; some sandboxes hide /proc
	if vMem, err := mem.VirtualMemory(); err == nil {
		stats.TotalRAM = vMem.Total
		stats.AvailableRAM = vMem.Available
		stats.UsedRAMPercent = vMem.UsedPercent
	}
	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		stats.CPUUsagePercent = percent[0]
	}

	return stats
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"workers":   h.deps.Pool.Stats(),
		"dispatch":  h.deps.Router.Stats(),
		"sessions":  h.deps.Sessions.Stats(),
		"system":    systemStats(),
	}
	if h.deps.Transcription != nil {
		stats["transcription"] = h.deps.Transcription.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

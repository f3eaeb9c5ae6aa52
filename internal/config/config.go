package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Workers    WorkersConfig    `yaml:"workers"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// WebSocketConfig contains streaming endpoint parameters
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MinAudioSize   int    `yaml:"min_audio_size"` // bytes
	Timeout        int    `yaml:"timeout"`        // seconds, per dispatched chunk
	MaxMessageSize int64  `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"` // seconds
	Language       string `yaml:"language"`
}

// WorkersConfig contains worker pool parameters
type WorkersConfig struct {
	PoolSize        int `yaml:"pool_size"`
	QueueSize       int `yaml:"queue_size"`
	ResultBuffer    int `yaml:"result_buffer"`
	ShutdownTimeout int `yaml:"shutdown_timeout"` // seconds
}

// ClassifierConfig contains the size thresholds and canned texts of the mock processor
type ClassifierConfig struct {
	Thresholds  ThresholdsConfig  `yaml:"thresholds"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
}

// ThresholdsConfig holds the three band boundaries in bytes
type ThresholdsConfig struct {
	Short  int `yaml:"short"`
	Medium int `yaml:"medium"`
	Long   int `yaml:"long"`
}

// TranscriptsConfig holds one canned text per category
type TranscriptsConfig struct {
	TooSmall string `yaml:"too_small"`
	Short    string `yaml:"short"`
	Medium   string `yaml:"medium"`
	Long     string `yaml:"long"`
}

// ProcessorConfig selects what workers run on each chunk
type ProcessorConfig struct {
	Mode          string `yaml:"mode"` // "mock" or "http"
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	AudioFormat   string `yaml:"audio_format"` // "raw" or "wav"
	SampleRate    int    `yaml:"sample_rate"`  // PCM-16 rate used when wrapping as wav
	Timeout       int    `yaml:"timeout"`      // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

const (
	ProcessorModeMock = "mock"
	ProcessorModeHTTP = "http"
)

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "localhost",
			Port:         8000,
			ReadTimeout:  10,
			WriteTimeout: 10,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MinAudioSize:   100,
			Timeout:        10,
			MaxMessageSize: 1 << 20,
			PingInterval:   50,
			Language:       "ru",
		},
		Workers: WorkersConfig{
			PoolSize:        1,
			QueueSize:       64,
			ResultBuffer:    64,
			ShutdownTimeout: 5,
		},
		Classifier: ClassifierConfig{
			Thresholds: ThresholdsConfig{
				Short:  1000,
				Medium: 5000,
				Long:   15000,
			},
			Transcripts: TranscriptsConfig{
				TooSmall: "Аудио слишком короткое для распознавания",
				Short:    "Короткое сообщение: привет мир",
				Medium:   "Среднее сообщение: это тестовое аудио для распознавания речи",
				Long:     "Длинное сообщение: система успешно обработала большой аудиофайл и готова к работе",
			},
		},
		Processor: ProcessorConfig{
			Mode:          ProcessorModeMock,
			AudioFormat:   "raw",
			SampleRate:    16000,
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file, overlays it on Default and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}

	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("workers config: %w", err)
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier config: %w", err)
	}

	if err := c.Processor.Validate(); err != nil {
		return fmt.Errorf("processor config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("read_timeout and write_timeout cannot be negative")
	}

	return nil
}

// Validate validates streaming endpoint configuration
func (w *WebSocketConfig) Validate() error {
	if w.Path == "" || w.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got '%s'", w.Path)
	}

	switch w.Path {
	case "/", "/health", "/stats", "/config", "/metrics", "/sessions":
		return fmt.Errorf("path '%s' is reserved for the HTTP API", w.Path)
	}

	if w.MinAudioSize < 0 {
		return fmt.Errorf("min_audio_size cannot be negative, got %d", w.MinAudioSize)
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxMessageSize < int64(w.MinAudioSize) {
		return fmt.Errorf("max_message_size (%d) must not be below min_audio_size (%d)",
			w.MaxMessageSize, w.MinAudioSize)
	}

	if w.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", w.PingInterval)
	}

	return nil
}

// Validate validates worker pool configuration
func (w *WorkersConfig) Validate() error {
	if w.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", w.PoolSize)
	}

	if w.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", w.QueueSize)
	}

	if w.ResultBuffer < 1 {
		return fmt.Errorf("result_buffer must be at least 1, got %d", w.ResultBuffer)
	}

	if w.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative, got %d", w.ShutdownTimeout)
	}

	return nil
}

// Validate checks that thresholds are strictly increasing
func (c *ClassifierConfig) Validate() error {
	t := c.Thresholds
	if t.Short < 0 {
		return fmt.Errorf("thresholds.short cannot be negative, got %d", t.Short)
	}

	if !(t.Short < t.Medium && t.Medium < t.Long) {
		return fmt.Errorf("thresholds must satisfy short < medium < long, got %d, %d, %d",
			t.Short, t.Medium, t.Long)
	}

	return nil
}

// Validate validates processor configuration
func (p *ProcessorConfig) Validate() error {
	switch p.Mode {
	case ProcessorModeMock:
		return nil
	case ProcessorModeHTTP:
	default:
		return fmt.Errorf("mode must be 'mock' or 'http', got '%s'", p.Mode)
	}

	if p.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty in http mode")
	}

	if p.AudioFormat != "raw" && p.AudioFormat != "wav" {
		return fmt.Errorf("audio_format must be 'raw' or 'wav', got '%s'", p.AudioFormat)
	}

	if p.AudioFormat == "wav" && p.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive for wav uploads, got %d", p.SampleRate)
	}

	if p.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", p.Timeout)
	}

	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", p.MaxRetries)
	}

	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTimeoutDuration returns the per-chunk dispatch timeout as a time.Duration
func (w *WebSocketConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// GetPingIntervalDuration returns the keepalive ping interval as a time.Duration
func (w *WebSocketConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// GetShutdownTimeoutDuration returns the pool drain grace period as a time.Duration
func (w *WorkersConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(w.ShutdownTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription request timeout as a time.Duration
func (p *ProcessorConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

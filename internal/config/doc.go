// Package config provides configuration loading and validation for the audio transcription service.
// It handles YAML-based configuration layered over built-in defaults, with per-section
// validation and helpers that turn second-based settings into durations.
package config

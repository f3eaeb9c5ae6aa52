package session

import (
	"math"
	"time"

	"github.com/dshubenok/audio-transcription-service/internal/worker"
)

// Notification types
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// Error codes carried by error notifications
const (
	CodeChunkTooSmall      = "CHUNK_TOO_SMALL"
	CodeProcessingError    = "PROCESSING_ERROR"
	CodeTimeoutError       = "TIMEOUT_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Notification is one server-to-client message
type Notification struct {
	Type     string        `json:"type"`
	ClientID string        `json:"client_id"`
	Data     any           `json:"data,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// StatusData is the body of a status notification
type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// TranscriptData is the body of a transcript notification
type TranscriptData struct {
	Text           string  `json:"text"`
	AudioSize      int     `json:"audio_size"`
	ProcessingTime float64 `json:"processing_time"`
	Timestamp      string  `json:"timestamp"`
	Language       string  `json:"language"`
	Duration       float64 `json:"duration"`
}

// ErrorPayload is the body of an error notification
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStatus builds a status notification
func NewStatus(clientID, status, message string) Notification {
	return Notification{
		Type:     TypeStatus,
		ClientID: clientID,
		Data:     StatusData{Status: status, Message: message},
	}
}

// NewTranscript builds a transcript notification from a successful result
func NewTranscript(clientID string, r worker.Result, fallbackLanguage string) Notification {
	language := r.Language
	if language == "" {
		language = fallbackLanguage
	}
	seconds := roundMillis(r.ProcessingDuration)

	return Notification{
		Type:     TypeTranscript,
		ClientID: clientID,
		Data: TranscriptData{
			Text:           r.Text,
			AudioSize:      r.PayloadSize,
			ProcessingTime: seconds,
			Timestamp:      r.ProducedAt.UTC().Format(time.RFC3339Nano),
			Language:       language,
			Duration:       seconds,
		},
	}
}

// NewError builds an error notification
func NewError(clientID, code, message string) Notification {
	return Notification{
		Type:     TypeError,
		ClientID: clientID,
		Error:    &ErrorPayload{Code: code, Message: message},
	}
}

// roundMillis converts d to seconds rounded to three decimals
func roundMillis(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

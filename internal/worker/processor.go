package worker

import (
	"context"

	"github.com/dshubenok/audio-transcription-service/internal/classifier"
)

// Processor turns an audio payload into a transcript. Implementations must be
// safe for concurrent use by every worker of a pool.
type Processor interface {
	Process(ctx context.Context, payload []byte) (Transcript, error)
}

// ProcessorFunc adapts a function to the Processor interface
type ProcessorFunc func(ctx context.Context, payload []byte) (Transcript, error)

// Process calls f(ctx, payload)
func (f ProcessorFunc) Process(ctx context.Context, payload []byte) (Transcript, error) {
	return f(ctx, payload)
}

// MockProcessor answers with the classifier's canned text for the payload size
type MockProcessor struct {
	Classifier *classifier.Classifier
	Language   string
}

// Process classifies len(payload)
func (m *MockProcessor) Process(ctx context.Context, payload []byte) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	_, text := m.Classifier.Transcribe(len(payload))
	return Transcript{Text: text, Language: m.Language}, nil
}

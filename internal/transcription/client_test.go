package transcription

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, endpoint string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:    endpoint,
		APIKey:      "secret",
		Language:    "ru",
		Timeout:     2 * time.Second,
		MaxRetries:  retries,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorContains(t, err, "endpoint cannot be empty")
}

func TestProcessSendsMultipartAudio(t *testing.T) {
	var gotAuth, gotSize, gotLanguage string
	var gotAudio []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotSize = r.FormValue("audio_size")
		gotLanguage = r.FormValue("language")

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotAudio, _ = io.ReadAll(file)

		json.NewEncoder(w).Encode(Response{Text: "hello"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	transcript, err := c.Process(context.Background(), []byte("abcdef"))
	require.NoError(t, err)

	assert.Equal(t, "hello", transcript.Text)
	assert.Equal(t, "ru", transcript.Language, "falls back to configured language")
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "6", gotSize)
	assert.Equal(t, "ru", gotLanguage)
	assert.Equal(t, []byte("abcdef"), gotAudio)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, float64(100), stats.SuccessRate)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Text: "third time", Language: "en"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	transcript, err := c.Process(context.Background(), []byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, "third time", transcript.Text)
	assert.Equal(t, "en", transcript.Language)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), c.GetStats().TotalRetries)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.Process(context.Background(), []byte("abc"))
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.GetStats().FailedRequests)
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.Process(context.Background(), []byte("abc"))
	assert.ErrorContains(t, err, "HTTP error 429")
	assert.Equal(t, int32(3), calls.Load())
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.Process(context.Background(), []byte("abc"))
	assert.ErrorContains(t, err, "failed to parse response JSON")
}

func TestProcessHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Process(ctx, []byte("abc"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoffIsCapped(t *testing.T) {
	c := newTestClient(t, "http://localhost", 0)
	assert.Equal(t, time.Millisecond, c.backoff(1))
	assert.Equal(t, 2*time.Millisecond, c.backoff(2))
	assert.Equal(t, 4*time.Millisecond, c.backoff(3))
	assert.Equal(t, 5*time.Millisecond, c.backoff(4))
	assert.Equal(t, 5*time.Millisecond, c.backoff(80))
}

func TestWAVUploadWrapsRawPCM(t *testing.T) {
	var calls atomic.Int32
	var gotFilename, gotFormat string
	var gotAudio []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFormat = r.FormValue("format")

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = header.Filename
		gotAudio, _ = io.ReadAll(file)

		json.NewEncoder(w).Encode(Response{Text: "wav"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		Endpoint:    srv.URL,
		AudioFormat: AudioFormatWAV,
		SampleRate:  8000,
	})
	require.NoError(t, err)

	_, err = c.Process(context.Background(), make([]byte, 320))
	require.NoError(t, err)

	assert.Equal(t, "wav", gotFormat)
	assert.Contains(t, gotFilename, ".wav")
	assert.True(t, IsWAV(gotAudio))
	assert.Len(t, gotAudio, wavHeaderSize+320)

	// odd-length PCM cannot be wrapped and never reaches the server
	_, err = c.Process(context.Background(), make([]byte, 321))
	assert.ErrorContains(t, err, "failed to encode WAV")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClientAudioFormatValidation(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "http://x", AudioFormat: "mp3"})
	assert.ErrorContains(t, err, "unsupported audio format")

	_, err = NewClient(Config{Endpoint: "http://x", AudioFormat: AudioFormatWAV})
	assert.ErrorContains(t, err, "sample rate is required")
}

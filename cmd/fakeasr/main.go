package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshubenok/audio-transcription-service/internal/transcription"
)

var (
	addr      string
	delay     time.Duration
	language  string
	failEvery int
)

var rootCmd = &cobra.Command{
	Use:          "fakeasr",
	Short:        "Fake transcription API for local testing",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		mux := http.NewServeMux()
		mux.Handle("/transcribe", newHandler(logger, delay, language, failEvery))

		logger.Info("Fake transcription server starting",
			slog.String("address", addr),
			slog.String("endpoint", "http://"+addr+"/transcribe"),
		)
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:9000", "Listen address")
	rootCmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Simulated processing time")
	rootCmd.Flags().StringVar(&language, "language", "ru", "Language reported in responses")
	rootCmd.Flags().IntVar(&failEvery, "fail-every", 0, "Answer every Nth request with 503 (0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newHandler accepts the multipart upload sent by the transcription client
func newHandler(logger *slog.Logger, delay time.Duration, language string, failEvery int) http.Handler {
	var requests atomic.Uint64

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		n := requests.Add(1)
		if failEvery > 0 && n%uint64(failEvery) == 0 {
			logger.Warn("Simulating upstream failure", slog.Uint64("request", n))
			http.Error(w, "simulated overload", http.StatusServiceUnavailable)
			return
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		audio, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		requestID := r.FormValue("request_id")
		logger.Info("Transcription request received",
			slog.String("request_id", requestID),
			slog.String("filename", header.Filename),
			slog.Int("audio_size", len(audio)),
			slog.String("language", r.FormValue("language")),
		)

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcription.Response{
			RequestID: requestID,
			Text:      fmt.Sprintf("fake transcript of %d bytes", len(audio)),
			Language:  language,
			Duration:  delay.Seconds(),
		})
	})
}

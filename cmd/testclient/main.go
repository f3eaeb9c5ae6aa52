package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	sizes     []int
	pause     time.Duration
	wait      time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "testclient",
	Short:        "Send test audio chunks to the transcription server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "url", "ws://localhost:8000/ws", "WebSocket endpoint")
	rootCmd.Flags().IntSliceVar(&sizes, "sizes", []int{500, 1500, 3000, 8000}, "Chunk sizes in bytes")
	rootCmd.Flags().DurationVar(&pause, "pause", time.Second, "Delay between chunks")
	rootCmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "Time to wait for the last replies")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", serverURL, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s\n", serverURL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			printNotification(message)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	for i, size := range sizes {
		fmt.Printf("-> chunk %d: %d bytes\n", i+1, size)
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, size)); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}

		select {
		case <-time.After(pause):
		case <-interrupt:
			return closeGracefully(conn, done)
		case <-done:
			return fmt.Errorf("server closed the connection")
		}
	}

	select {
	case <-time.After(wait):
	case <-interrupt:
	case <-done:
	}
	return closeGracefully(conn, done)
}

func closeGracefully(conn *websocket.Conn, done <-chan struct{}) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return nil
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}

func printNotification(message []byte) {
	var n struct {
		Type     string          `json:"type"`
		ClientID string          `json:"client_id"`
		Data     json.RawMessage `json:"data"`
		Error    *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &n); err != nil {
		fmt.Printf("<- %s\n", message)
		return
	}

	switch {
	case n.Error != nil:
		fmt.Printf("<- [%s] %s error %s: %s\n", n.ClientID, n.Type, n.Error.Code, n.Error.Message)
	default:
		fmt.Printf("<- [%s] %s %s\n", n.ClientID, n.Type, n.Data)
	}
}

// Command calllog follows the gateway notification stream and appends every
// call-log entry to a rotated file, one JSON document per line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/logger"
)

var log = logger.AppLog.WithField("sink", "calllog")

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/ws", "Gateway notification stream")
		file       = flag.String("file", "log/calls.jsonl", "Call log file")
		maxSize    = flag.Int("max-size", 50, "Rotate after this many megabytes")
		backups    = flag.Int("backups", 10, "Rotated files to keep")
		maxAge     = flag.Int("max-age", 90, "Days to keep rotated files")
		retryDelay = flag.Duration("retry", 5*time.Second, "Delay before reconnecting")
	)
	flag.Parse()

	writer, err := logger.NewRotatingWriter(*file, *maxSize, *backups, *maxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open call log: %v\n", err)
		os.Exit(1)
	}
	defer writer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infof("Recording call log entries from %s into %s", *url, *file)
	follow(ctx, *url, writer, *retryDelay)
	log.Info("Call log sink stopped")
}

// follow keeps a stream open until ctx ends, reconnecting after delay
func follow(ctx context.Context, url string, w io.Writer, delay time.Duration) {
	for {
		err := record(ctx, url, w)
		if ctx.Err() != nil {
			return
		}
		log.Warnf("Stream ended: %v; reconnecting in %s", err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

type envelope struct {
	Topic bus.Topic `json:"type"`
}

// record copies call-log entries from one stream connection into w
func record(ctx context.Context, url string, w io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stopped := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopped()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Debugf("Skipping malformed notification: %v", err)
			continue
		}
		if env.Topic != bus.CallLogEntryRequested {
			continue
		}

		if _, err := w.Write(append(msg, '\n')); err != nil {
			return fmt.Errorf("writing call log: %w", err)
		}
	}
}

package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
)

// WantsProtobuf reports whether an Accept header asks for protobuf payloads.
func WantsProtobuf(accept string) bool {
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// StreamSSE drains events to an SSE client until the stream is closed, the
// client goes away, or ctx is done. Protobuf payloads are base64 encoded.
// On early exit the emitter is not touched; callers abandon it.
func StreamSSE(ctx context.Context, w http.ResponseWriter, events <-chan Event, useProtobuf bool, keepalive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return fmt.Errorf("response writer cannot flush")
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev, useProtobuf); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return err
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return err
			}
			flusher.Flush()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event, useProtobuf bool) error {
	var data string
	if useProtobuf {
		raw, err := ev.Protobuf()
		if err != nil {
			return err
		}
		data = base64.StdEncoding.EncodeToString(raw)
	} else {
		raw, err := ev.JSON()
		if err != nil {
			return err
		}
		data = string(raw)
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

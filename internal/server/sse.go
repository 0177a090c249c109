package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dotcommander/agentrun/internal/stream"
)

// writeEvents drains frames onto w as server-sent events. It returns when
// the channel is closed; the producer stops on client disconnect through
// the request context.
func writeEvents(w http.ResponseWriter, frames <-chan stream.Frame) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	broken := false
	for f := range frames {
		if broken {
			continue
		}
		if err := writeEvent(w, f); err != nil {
			broken = true
			continue
		}
		_ = rc.Flush()
	}
}

func writeEvent(w http.ResponseWriter, f stream.Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		data, _ = json.Marshal(stream.ErrorData{Message: "could not encode event"})
		f.Type = stream.FrameError
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data)
	return err
}

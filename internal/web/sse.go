package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/andresmejia3/faceauth/internal/session"
)

// events streams channel events as server-sent events until the session
// ends, the client disconnects or the channel closes.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	eventCh, unsubscribe := ch.Subscribe()
	defer unsubscribe()

	if st, err := ch.Poll(); err == nil {
		sendSSEEvent(w, flusher, "status", st)
	} else {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, string(event.Type), event)
			if isTerminal(event.Type) {
				return
			}
		}
	}
}

func isTerminal(t session.EventType) bool {
	return t == session.EventOutcome || t == session.EventCancelled || t == session.EventFailed
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

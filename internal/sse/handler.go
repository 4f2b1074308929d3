// Package sse adapts fleet.Publisher broadcasts to a plain-text SSE wire format: one
// `event: <name>\n` line then one `data: <json>\n\n` line per record. This is the only
// external protocol the core defines. Grounded on ODSapper-CLIAIMONITOR's internal/server
// websocket handler registration style (gorilla router, one handler per connection, teardown on
// client disconnect), generalized from a websocket upgrade to a long-lived HTTP response writer.
package sse

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentmux/fleetd/internal/fleet"
)

// writerSink adapts an http.ResponseWriter + Flusher into a fleet.Sink.
type writerSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *writerSink) send(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *writerSink) SendConnected() error {
	return s.send("connected", map[string]string{"status": "connected"})
}

func (s *writerSink) SendState(snap fleet.Snapshot) error {
	return s.send("state", snap)
}

func (s *writerSink) SendHeartbeat(t time.Time) error {
	return s.send("heartbeat", map[string]interface{}{"timestamp": t.UTC()})
}

func (s *writerSink) SendError(p fleet.ErrorPayload) error {
	return s.send("error", p)
}

// Handler serves the fleet SSE stream at one route.
type Handler struct {
	publisher *fleet.Publisher
}

// NewHandler creates a Handler bound to one Publisher.
func NewHandler(publisher *fleet.Publisher) *Handler {
	return &Handler{publisher: publisher}
}

// Register mounts the handler on router at path (e.g. "/api/fleet/stream").
func (h *Handler) Register(router *mux.Router, path string) {
	router.HandleFunc(path, h.ServeHTTP).Methods(http.MethodGet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := uuid.New().String()
	sink := &writerSink{w: w, flusher: flusher}

	h.publisher.Subscribe(id, sink)
	defer h.publisher.Unsubscribe(id)

	log.Printf("[SSE] subscriber %s connected from %s", id, r.RemoteAddr)

	<-r.Context().Done()
	log.Printf("[SSE] subscriber %s disconnected", id)
}

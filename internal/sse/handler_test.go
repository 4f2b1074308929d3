package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmux/fleetd/internal/fleet"
)

type testProvider struct {
	snap fleet.Snapshot
}

func (p *testProvider) GetFleetSnapshot() (fleet.Snapshot, error) {
	return p.snap, nil
}

func TestHandlerStreamsConnectedThenState(t *testing.T) {
	provider := &testProvider{snap: fleet.Snapshot{Stats: fleet.Stats{ActiveCount: 1}}}
	publisher := fleet.New(provider)

	router := mux.NewRouter()
	NewHandler(publisher).Register(router, "/stream")

	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream content type, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawConnected, sawState bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(sawConnected && sawState) {
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "event: connected") {
			sawConnected = true
		}
		if strings.HasPrefix(line, "event: state") {
			sawState = true
		}
	}

	if !sawConnected {
		t.Fatal("expected a connected event")
	}
	if !sawState {
		t.Fatal("expected a state event")
	}
	if publisher.SubscriberCount() != 1 {
		t.Fatalf("expected exactly 1 subscriber while connected, got %d", publisher.SubscriberCount())
	}
}

func TestHandlerUnsubscribesOnClientDisconnect(t *testing.T) {
	provider := &testProvider{snap: fleet.Snapshot{}}
	publisher := fleet.New(provider)

	router := mux.NewRouter()
	NewHandler(publisher).Register(router, "/stream")

	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && publisher.SubscriberCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if publisher.SubscriberCount() != 1 {
		t.Fatalf("expected subscriber registered, got %d", publisher.SubscriberCount())
	}

	resp.Body.Close()
	cancel()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && publisher.SubscriberCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if publisher.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber removed after disconnect, got %d", publisher.SubscriberCount())
	}
}

// Package events implements the core's typed pub/sub EventBus:
// at-most-one-delivery per (topic, subscriber), no back-pressure contract beyond dropping a
// subscriber on write error. The transport is an embedded NATS server, grounded on
// ODSapper-CLIAIMONITOR's internal/nats/server.go and internal/nats/client.go.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

const subjectPrefix = "fleet.events."

func subject(t Type) string {
	return subjectPrefix + string(t)
}

// ServerConfig configures the embedded NATS server the Bus runs on.
type ServerConfig struct {
	Host string
	Port int // -1 picks a random free port, useful for tests
}

// Server wraps an embedded, in-process NATS server. The Control Kernel owns exactly one of
// these for the process lifetime.
type Server struct {
	mu      sync.Mutex
	ns      *natsserver.Server
	running bool
}

// NewServer starts an embedded NATS server and blocks until it is ready for connections.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	opts := &natsserver.Options{
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready for connections")
	}
	return &Server{ns: ns, running: true}, nil
}

// URL returns the connection URL of the embedded server.
func (s *Server) URL() string {
	return s.ns.ClientURL()
}

// Shutdown stops the embedded server. Safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.running = false
}

// unsubscriber is the minimal surface Subscribe needs from either a single *nats.Subscription
// or a fan-out of several (one per requested event type).
type unsubscriber interface {
	Unsubscribe() error
}

// Bus is the typed pub/sub handle. Create one per connecting component via Connect; all Buses
// sharing a Server see the same events.
type Bus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[int]unsubscriber
	next int
}

// Connect dials the embedded (or external, for a production multi-process deployment) NATS URL.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[EVENTS] disconnected: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}
	return &Bus{conn: conn, subs: make(map[int]unsubscriber)}, nil
}

// Close closes the underlying connection and every subscription registered through this Bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = make(map[int]unsubscriber)
	b.conn.Close()
}

// Publish serializes and publishes an event on its type's subject. Publish errors are logged,
// never returned to the caller — monitors must never fail a data-callback because the bus is
// momentarily unavailable.
func (b *Bus) Publish(e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[EVENTS] ERROR: failed to marshal event type=%s id=%s: %v", e.Type, e.ID, err)
		return
	}
	if err := b.conn.Publish(subject(e.Type), data); err != nil {
		log.Printf("[EVENTS] ERROR: failed to publish event type=%s id=%s: %v", e.Type, e.ID, err)
	}
}

// Unsubscribe is returned by Subscribe to tear down a subscription.
type Unsubscribe func()

// Subscribe returns a channel of matching events. An empty types list subscribes to every event
// type. The channel is closed when Unsubscribe is called; Bus.Close stops delivery but does not
// close the channel. A slow subscriber whose channel fills is dropped on the next failed write:
// its subscription is removed and its channel is closed.
func (b *Bus) Subscribe(types []Type) (<-chan Event, Unsubscribe) {
	out := make(chan Event, 100)
	raw := make(chan *nats.Msg, 100)

	handler := func(msg *nats.Msg) {
		select {
		case raw <- msg:
		default:
			log.Printf("[EVENTS] WARNING: subscriber channel full, dropping message on %s", msg.Subject)
		}
	}

	var handle unsubscriber
	var err error
	if len(types) == 0 {
		handle, err = b.conn.Subscribe(subjectPrefix+">", handler)
	} else {
		// nats.go has no native OR-of-subjects subscribe; fan out one subscription per type.
		subs := make([]*nats.Subscription, 0, len(types))
		for _, t := range types {
			s, subErr := b.conn.Subscribe(subject(t), handler)
			if subErr != nil {
				err = subErr
				break
			}
			subs = append(subs, s)
		}
		if err == nil {
			handle = &multiSub{subs: subs}
		} else {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}
	}

	if err != nil {
		log.Printf("[EVENTS] ERROR: subscribe failed: %v", err)
		close(out)
		return out, func() {}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = handle
	b.mu.Unlock()

	go func() {
		defer close(out)
		for msg := range raw {
			var e Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				log.Printf("[EVENTS] ERROR: failed to decode event on %s: %v", msg.Subject, err)
				continue
			}
			select {
			case out <- e:
			default:
				log.Printf("[EVENTS] WARNING: dropping slow subscriber at event %s", e.ID)
				_ = handle.Unsubscribe()
				b.mu.Lock()
				delete(b.subs, id)
				b.mu.Unlock()
				return
			}
		}
	}()

	return out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		_ = handle.Unsubscribe()
		close(raw)
	}
}

// multiSub adapts several concrete *nats.Subscription into one Unsubscribe-able handle, used
// when a subscriber asks for a specific set of event types rather than the wildcard.
type multiSub struct {
	subs []*nats.Subscription
}

func (m *multiSub) Unsubscribe() error {
	var firstErr error
	for _, s := range m.subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

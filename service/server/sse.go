package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/solverify/service/metrics"
	natspkg "github.com/brojonat/solverify/service/nats"
	"github.com/brojonat/solverify/service/session"
)

const (
	keepaliveInterval   = 10 * time.Second
	subscriberBufferLen = 32

	streamSession   = "session"
	streamPurchases = "purchases"
)

// EventHub fans session events out to every connected SSE client. Its
// Presenter is handed to the session.
type EventHub struct {
	mu      sync.Mutex
	subs    map[chan session.Event]struct{}
	closed  bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(m *metrics.Metrics, logger *slog.Logger) *EventHub {
	return &EventHub{
		subs:    make(map[chan session.Event]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Presenter returns a session.Presenter that publishes into the hub.
func (h *EventHub) Presenter() session.Presenter {
	return session.EventPresenter(h.Publish)
}

// Publish delivers e to every subscriber. A subscriber whose buffer is full
// misses the event rather than stalling the session.
func (h *EventHub) Publish(e session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Warn("dropping session event for slow SSE client", "type", e.Type)
		}
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// is safe to call more than once.
func (h *EventHub) Subscribe() (<-chan session.Event, func()) {
	ch := make(chan session.Event, subscriberBufferLen)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// writeEvent writes one SSE frame and flushes it.
func writeEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func writeKeepalive(w http.ResponseWriter) {
	fmt.Fprint(w, ": keepalive\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleStreamSessionEvents streams presenter callbacks as SSE. The first
// frame is a snapshot so a client that connects mid-countdown can render
// the current state.
func handleStreamSessionEvents(hub *EventHub, sess *session.Session, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events, unsubscribe := hub.Subscribe()
		defer unsubscribe()

		setSSEHeaders(w)
		if m != nil {
			m.RecordSSEConnectionChange(streamSession, 1)
			defer m.RecordSSEConnectionChange(streamSession, -1)
		}
		logger.DebugContext(r.Context(), "SSE client connected", "stream", streamSession, "remote_addr", r.RemoteAddr)

		if data, err := json.Marshal(sess.Snapshot()); err == nil {
			writeEvent(w, "snapshot", data)
		}

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				writeKeepalive(w)

			case e, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal session event", "error", err)
					continue
				}
				writeEvent(w, e.Type, data)
				if m != nil {
					m.RecordSSEEventSent(streamSession, e.Type)
				}

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "stream", streamSession, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}

// PurchaseStream relays recorded purchases from the NATS PURCHASES stream to
// SSE clients.
type PurchaseStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPurchaseStream connects to NATS.
func NewPurchaseStream(natsURL string, logger *slog.Logger) (*PurchaseStream, error) {
	nc, js, err := natspkg.Connect(natsURL, "solverify-sse")
	if err != nil {
		return nil, err
	}
	logger.Info("purchase stream initialized", "nats_url", natsURL)
	return &PurchaseStream{nc: nc, js: js, logger: logger}, nil
}

// Close closes the NATS connection.
func (p *PurchaseStream) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("purchase stream closed")
	}
	return nil
}

// handleStreamPurchases streams new purchase events. Without an address path
// value it streams purchases for every address.
func handleStreamPurchases(stream *PurchaseStream, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		subject := natspkg.Subject(address)
		desc := address
		if desc == "" {
			desc = "all addresses"
		}

		// Ephemeral consumer, removed by the server once the connection goes away.
		cons, err := stream.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer", "address", desc, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		setSSEHeaders(w)
		if m != nil {
			m.RecordSSEConnectionChange(streamPurchases, 1)
			defer m.RecordSSEConnectionChange(streamPurchases, -1)
		}

		msgs := make(chan jetstream.Msg, subscriberBufferLen)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgs <- msg:
			case <-r.Context().Done():
			}
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
			writeEvent(w, "error", []byte(`{"error":"failed to subscribe"}`))
			return
		}
		defer cc.Stop()

		connected, _ := json.Marshal(map[string]string{"address": desc})
		writeEvent(w, "connected", connected)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				writeKeepalive(w)

			case msg := <-msgs:
				var event natspkg.PurchaseEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal purchase event", "error", err)
					msg.Ack()
					continue
				}
				writeEvent(w, "purchase", msg.Data())
				msg.Ack()
				if m != nil {
					m.RecordSSEEventSent(streamPurchases, "purchase")
				}
				logger.DebugContext(r.Context(), "sent purchase event", "address", desc, "record_id", event.RecordID)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "stream", streamPurchases, "address", desc)
				return
			}
		}
	})
}

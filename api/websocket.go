package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"soundsense/core"
	"soundsense/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512

	// DefaultQueueCapacity is the per-subscriber queue size when the config
	// does not set one.
	DefaultQueueCapacity = 32
)

// Subscriber is one live-feed consumer. Its queue is bounded: when a slow
// consumer falls more than capacity behind, the oldest queued message is
// dropped so the newest reading always gets through.
type Subscriber struct {
	mu     sync.Mutex
	queue  [][]byte
	cap    int
	notify chan struct{}
	closed bool
}

// enqueue adds a marshaled message, dropping the oldest when full. Reports
// whether an old message was dropped.
func (s *Subscriber) enqueue(msg []byte) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// drain removes and returns all queued messages.
func (s *Subscriber) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// close marks the subscriber dead and wakes its writer.
func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Hub fans persisted observations out to websocket subscribers. It implements
// core.Broadcaster; Publish never blocks on a consumer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
	queueCap    int
	logger      *zap.SugaredLogger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHub creates a hub with the given per-subscriber queue capacity.
func NewHub(queueCap int, logger *zap.SugaredLogger) *Hub {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		queueCap:    queueCap,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Subscribe registers a new consumer. The subscriber sees only observations
// published after this call.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		cap:    h.queueCap,
		notify: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subscribers[sub] = true
	total := len(h.subscribers)
	h.mu.Unlock()

	metrics.SubscribersConnected.Inc()
	h.logger.Debugw("Live feed subscriber registered", "total_subscribers", total)
	return sub
}

// Unsubscribe removes a consumer. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		delete(h.subscribers, sub)
	}
	total := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		sub.close()
		metrics.SubscribersConnected.Dec()
		h.logger.Debugw("Live feed subscriber unregistered", "total_subscribers", total)
	}
}

// Publish delivers one observation to every current subscriber as a FHIR
// resource. Slow consumers lose their oldest queued message, never the
// publisher's time.
func (h *Hub) Publish(obs core.Observation) {
	payload, err := json.Marshal(ToFHIR(obs))
	if err != nil {
		h.logger.Errorw("Failed to marshal observation for broadcast",
			"observation_id", obs.ID, "error", err)
		return
	}

	h.mu.RLock()
	for sub := range h.subscribers {
		if sub.enqueue(payload) {
			metrics.BroadcastsDropped.Inc()
		}
		metrics.BroadcastsDelivered.Inc()
	}
	h.mu.RUnlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stop disconnects all subscribers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscriber]bool)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		metrics.SubscribersConnected.Dec()
	}
	h.logger.Info("Live feed hub stopped")
}

// upgrader configures websocket upgrades. Origin checking is handled by the
// CORS middleware before the handler runs.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWs upgrades the connection and wires the subscriber lifecycle.
func serveWs(hub *Hub, logger *zap.SugaredLogger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	sub := hub.Subscribe()
	go writePump(hub, sub, conn)
	go readPump(hub, sub, conn, logger)
}

// readPump only detects disconnects; the live feed is one-directional.
func readPump(hub *Hub, sub *Subscriber, conn *websocket.Conn, logger *zap.SugaredLogger) {
	defer func() {
		hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debugw("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump drains the subscriber queue onto the wire with ping/pong
// heartbeats. Any write failure tears down only this subscriber.
func writePump(hub *Hub, sub *Subscriber, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	for {
		select {
		case <-sub.notify:
			if sub.isClosed() {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			for _, msg := range sub.drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package server

import (
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Hub fans lifecycle events out to websocket subscribers. It is a proc.Hook
// and must be handed to kernel.Boot before the kernel runs.
type Hub struct {
	logger  *zap.Logger
	metrics atomic.Pointer[monitoring.Metrics]

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
	done    chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

type subscriber struct {
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}
}

// OnProcessEvent encodes ev and queues it for every subscriber. A subscriber
// whose queue is full loses the event.
func (h *Hub) OnProcessEvent(_ *thread.Thread, ev proc.Event) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) subscribe(buffer int) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	c := &subscriber{send: make(chan []byte, buffer)}
	h.clients[c] = struct{}{}
	if m := h.metrics.Load(); m != nil {
		m.IncWSConnections()
	}
	return c, true
}

func (h *Hub) unsubscribe(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if m := h.metrics.Load(); m != nil {
		m.DecWSConnections()
	}
}

func (h *Hub) delivered() {
	if m := h.metrics.Load(); m != nil {
		m.IncWSMessages()
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns how many queued deliveries succeeded and how many were dropped.
func (h *Hub) Stats() (sent, dropped int64) {
	return h.sent.Load(), h.dropped.Load()
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

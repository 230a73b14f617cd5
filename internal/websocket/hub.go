package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trialguard/internal/infrastructure"
	"trialguard/internal/license"
)

const broadcastBuffer = 64

type envelope struct {
	msgType string
	data    []byte
}

// Hub maintains the set of active clients and pushes trial events to them.
// The clients map is owned by the run goroutine; mu only guards reads from
// ClientCount.
type Hub struct {
	clients map[*Client]struct{}

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	count   int
	running bool

	logger  *slog.Logger
	metrics *HubMetrics

	messagesSent atomic.Int64
	dropped      atomic.Int64

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewHub creates a new Hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *HubMetrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan envelope, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		metrics:    metrics,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop in its own goroutine. It is idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	select {
	case <-h.quit:
		return
	default:
	}
	h.running = true
	go h.run()
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
				h.metrics.recordDisconnection(context.Background(), time.Since(client.connectedAt), "shutdown")
			}
			h.setCount(0)
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount(len(h.clients))

			ctx := client.context()
			h.metrics.recordConnection(ctx)
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			connected := newMessage(TypeConnection, map[string]interface{}{
				"status":    "connected",
				"client_id": client.id,
			}, client.traceID)
			if data, err := json.Marshal(connected); err == nil {
				h.deliver(client, TypeConnection, data)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			delete(h.clients, client)
			client.closeSend()
			h.setCount(len(h.clients))

			ctx := client.context()
			h.metrics.recordDisconnection(ctx, time.Since(client.connectedAt), "normal")
			h.logger.InfoContext(ctx, "Client unregistered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)))

		case msg := <-h.broadcast:
			delivered, dropped := 0, 0
			for client := range h.clients {
				if h.deliver(client, msg.msgType, msg.data) {
					delivered++
				} else {
					dropped++
				}
			}
			h.metrics.recordBroadcast(context.Background(), msg.msgType, delivered, dropped)
			h.logger.Debug("Broadcast delivered",
				slog.String("message_type", msg.msgType),
				slog.Int("delivered", delivered),
				slog.Int("dropped", dropped))
		}
	}
}

// deliver queues data on the client. A client whose buffer is full is
// disconnected. Must only be called from run.
func (h *Hub) deliver(client *Client, msgType string, data []byte) bool {
	select {
	case client.send <- data:
		h.messagesSent.Add(1)
		return true
	default:
		delete(h.clients, client)
		client.closeSend()
		h.setCount(len(h.clients))
		h.dropped.Add(1)
		h.metrics.recordDisconnection(client.context(), time.Since(client.connectedAt), "slow_consumer")
		h.logger.WarnContext(client.context(), "Client send buffer full, disconnecting",
			slog.String("client_id", client.id),
			slog.String("message_type", msgType))
		return false
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Broadcast marshals a message and queues it for every client. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Broadcast(ctx context.Context, msgType string, data interface{}) {
	payload, err := json.Marshal(newMessage(msgType, data, infrastructure.GetTraceID(ctx)))
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", msgType))
		return
	}

	select {
	case <-h.quit:
		return
	default:
	}

	select {
	case h.broadcast <- envelope{msgType: msgType, data: payload}:
	default:
		h.dropped.Add(1)
		h.metrics.recordBroadcast(ctx, msgType, 0, 1)
		h.logger.WarnContext(ctx, "Broadcast queue full, message dropped",
			slog.String("message_type", msgType))
	}
}

// BroadcastTransition pushes a trial state change. It has the signature of
// a license.TransitionObserver.
func (h *Hub) BroadcastTransition(ctx context.Context, t license.Transition) {
	h.Broadcast(ctx, TypeTrialTransition, NewTransitionData(t))
}

// BroadcastStatus pushes a full trial status snapshot.
func (h *Hub) BroadcastStatus(ctx context.Context, status *license.Status) {
	h.Broadcast(ctx, TypeTrialStatus, status)
}

// Register adds a client. After Stop the client's send channel is closed
// immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		client.closeSend()
	}
}

// Unregister removes a client. It is a no-op after Stop.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Stats returns counters for diagnostics.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"active_clients": int64(h.ClientCount()),
		"messages_sent":  h.messagesSent.Load(),
		"dropped":        h.dropped.Load(),
	}
}

// Stop closes every client and waits for the hub loop to exit.
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.quit)
	})

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if running {
		<-h.done
	}
}

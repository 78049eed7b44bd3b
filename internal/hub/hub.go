// Package hub is the gateway: it delivers events to parties by identity,
// holds a short retry queue for parties that are briefly offline and
// dispatches inbound frames to registered handlers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/clock"
	"lingualink/internal/websocket"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Config bounds the per-party retry queue.
type Config struct {
	QueueSize int
	QueueTTL  time.Duration
}

// DefaultConfig keeps up to 32 events for 30 seconds.
func DefaultConfig() Config {
	return Config{QueueSize: 32, QueueTTL: 30 * time.Second}
}

type queued struct {
	envelope types.Envelope
	expires  time.Time
}

// inboundFrame is the envelope as received; the payload is decoded by the
// handler for the event.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Hub implements interfaces.Gateway on top of the connection registry.
type Hub struct {
	registry *websocket.Registry
	config   Config
	clock    clock.Clock
	logger   *zap.Logger

	mu                 sync.RWMutex
	handlers           map[string]interfaces.MessageHandler
	disconnectHandlers []interfaces.DisconnectHandler
	pending            map[string][]queued

	running         bool
	shutdownChannel chan struct{}
}

func NewHub(registry *websocket.Registry, config Config, clk clock.Clock, logger *zap.Logger) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.QueueTTL <= 0 {
		config.QueueTTL = DefaultConfig().QueueTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry: registry,
		config:   config,
		clock:    clk,
		logger:   logger.Named("hub"),
		handlers: make(map[string]interfaces.MessageHandler),
		pending:  make(map[string][]queued),
	}
}

// Start runs the queue janitor until Stop or ctx cancellation.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	shutdown := h.shutdownChannel
	h.mu.Unlock()

	go h.run(ctx, shutdown)
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	return nil
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.pruneExpired()
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send delivers an event to one party. If the party has no connection here,
// or the write fails, the event waits in the party's queue until they
// reconnect or it expires.
func (h *Hub) Send(partyID, event string, payload interface{}) error {
	envelope := types.Envelope{Event: event, Payload: payload, Timestamp: h.clock.Now()}

	if conn, ok := h.registry.GetPartyConnection(partyID); ok {
		err := conn.WriteJSON(envelope)
		if err == nil {
			return nil
		}
		if errors.Is(err, websocket.ErrInvalidJSON) {
			return err
		}
		h.logger.Debug("write failed, queueing", zap.String("party_id", partyID), zap.String("event", event), zap.Error(err))
		return h.enqueue(partyID, envelope)
	}

	// Re-check under the lock so a Register that already flushed is not missed.
	h.mu.Lock()
	conn, ok := h.registry.GetPartyConnection(partyID)
	if ok {
		h.mu.Unlock()
		return conn.WriteJSON(envelope)
	}
	defer h.mu.Unlock()
	return h.enqueueLocked(partyID, envelope)
}

func (h *Hub) enqueue(partyID string, envelope types.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enqueueLocked(partyID, envelope)
}

func (h *Hub) enqueueLocked(partyID string, envelope types.Envelope) error {
	queue := append(h.pending[partyID], queued{envelope: envelope, expires: h.clock.Now().Add(h.config.QueueTTL)})
	var err error
	if len(queue) > h.config.QueueSize {
		queue = queue[len(queue)-h.config.QueueSize:]
		err = ErrQueueOverflow
	}
	h.pending[partyID] = queue
	return err
}

// Broadcast writes the event to every party connected to this instance.
func (h *Hub) Broadcast(event string, payload interface{}) {
	envelope := types.Envelope{Event: event, Payload: payload, Timestamp: h.clock.Now()}
	for _, conn := range h.registry.All() {
		if err := conn.WriteJSON(envelope); err != nil {
			h.logger.Debug("broadcast write failed", zap.String("party_id", conn.GetPartyID()), zap.Error(err))
		}
	}
}

func (h *Hub) OnMessage(event string, handler interfaces.MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = handler
}

func (h *Hub) OnDisconnect(handler interfaces.DisconnectHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectHandlers = append(h.disconnectHandlers, handler)
}

// Register flushes anything queued for the party to conn and then makes conn
// the party's connection. Both happen under the hub lock, so a Send racing
// the registration is queued behind the flush and never overtakes it.
func (h *Hub) Register(conn *websocket.Connection) error {
	if conn == nil {
		return websocket.ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return websocket.ErrConnectionNotAuthenticated
	}
	partyID := conn.GetPartyID()

	h.mu.Lock()
	defer h.mu.Unlock()

	queue := h.pending[partyID]
	delete(h.pending, partyID)

	now := h.clock.Now()
	flushed := 0
	for i, item := range queue {
		if !now.Before(item.expires) {
			continue
		}
		if err := conn.WriteJSON(item.envelope); err != nil {
			// Keep the rest for the next connection.
			h.pending[partyID] = append([]queued(nil), queue[i:]...)
			break
		}
		flushed++
	}

	if err := h.registry.RegisterConnection(conn); err != nil {
		return err
	}
	if flushed > 0 {
		h.logger.Debug("flushed queued events", zap.String("party_id", partyID), zap.Int("count", flushed))
	}
	return nil
}

// Unregister removes the connection. Disconnect handlers run only when the
// party has no newer connection.
func (h *Hub) Unregister(conn *websocket.Connection) {
	if !h.registry.UnregisterConnection(conn) {
		return
	}

	h.mu.RLock()
	handlers := append([]interfaces.DisconnectHandler(nil), h.disconnectHandlers...)
	h.mu.RUnlock()

	party := interfaces.Party{ID: conn.GetPartyID(), Role: conn.GetRole()}
	for _, handler := range handlers {
		handler(context.Background(), party)
	}
}

// Dispatch decodes one inbound frame and runs its handler. Failures are
// reported to the sender only, as an error event.
func (h *Hub) Dispatch(ctx context.Context, conn *websocket.Connection, data []byte) {
	party := interfaces.Party{ID: conn.GetPartyID(), Role: conn.GetRole()}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		h.sendError(party.ID, types.ErrInvalidPayload)
		return
	}

	h.mu.RLock()
	handler, ok := h.handlers[frame.Event]
	h.mu.RUnlock()
	if !ok {
		h.sendError(party.ID, types.ErrUnknownEvent)
		return
	}

	if err := handler(ctx, party, frame.Payload); err != nil {
		if types.IsBenign(err) || types.KindOf(err) == types.KindValidation {
			h.logger.Debug("event rejected", zap.String("party_id", party.ID), zap.String("event", frame.Event), zap.Error(err))
		} else {
			h.logger.Warn("event failed", zap.String("party_id", party.ID), zap.String("event", frame.Event), zap.Error(err))
		}
		h.sendError(party.ID, err)
	}
}

func (h *Hub) sendError(partyID string, err error) {
	message := "internal error"
	var typed *types.Error
	if errors.As(err, &typed) {
		message = typed.Message
	}
	if sendErr := h.Send(partyID, types.EventError, map[string]interface{}{
		"code":    types.CodeOf(err),
		"message": message,
	}); sendErr != nil {
		h.logger.Debug("error event not delivered", zap.String("party_id", partyID), zap.Error(sendErr))
	}
}

func (h *Hub) pruneExpired() {
	now := h.clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	for partyID, queue := range h.pending {
		kept := queue[:0]
		for _, item := range queue {
			if now.Before(item.expires) {
				kept = append(kept, item)
			}
		}
		if len(kept) == 0 {
			delete(h.pending, partyID)
		} else {
			h.pending[partyID] = kept
		}
	}
}

// Stats reports connections on this instance and queued events.
func (h *Hub) Stats() map[string]int {
	stats := h.registry.GetStats()
	h.mu.RLock()
	defer h.mu.RUnlock()
	queued := 0
	for _, queue := range h.pending {
		queued += len(queue)
	}
	stats["queued_events"] = queued
	stats["queued_parties"] = len(h.pending)
	return stats
}

// Pending returns how many events are queued for the party.
func (h *Hub) Pending(partyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending[partyID])
}

var (
	_ interfaces.Gateway = (*Hub)(nil)
	_ websocket.Sink     = (*Hub)(nil)
)

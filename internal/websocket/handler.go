package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lingualink/internal/auth"
)

var upgrader = websocket.Upgrader{
	// Origin is not checked; identity comes from the party token.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Verifier checks a party token.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Sink receives connection lifecycle events and inbound frames.
type Sink interface {
	Register(conn *Connection) error
	Unregister(conn *Connection)
	Dispatch(ctx context.Context, conn *Connection, data []byte)
}

// HandlerConfig holds keepalive settings.
type HandlerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Connection   Options
}

// DefaultHandlerConfig pings every 30s and drops a silent peer after 60s.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		Connection:   DefaultOptions(),
	}
}

// Handler upgrades authenticated requests and pumps their frames into a Sink.
type Handler struct {
	verifier Verifier
	sink     Sink
	config   HandlerConfig
	logger   *zap.Logger
}

func NewHandler(verifier Verifier, sink Sink, config HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultHandlerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	return &Handler{
		verifier: verifier,
		sink:     sink,
		config:   config,
		logger:   logger.Named("websocket"),
	}
}

// HandleWebSocket authenticates, upgrades and serves one connection. The
// token comes from the Authorization header or the token query parameter.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn, h.config.Connection)
	if err := wsConn.SetCredentials(claims.PartyID, claims.Role); err != nil {
		_ = wsConn.Close()
		return
	}

	if err := h.sink.Register(wsConn); err != nil {
		h.logger.Warn("connection registration failed", zap.String("party_id", claims.PartyID), zap.Error(err))
		_ = wsConn.Close()
		return
	}

	h.logger.Info("party connected", zap.String("party_id", claims.PartyID), zap.String("role", claims.Role))

	go h.handleConnection(wsConn)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// handleConnection runs the read pump until the peer goes away, then
// unregisters the connection.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.sink.Unregister(conn)
		_ = conn.Close()
		h.logger.Info("party disconnected", zap.String("party_id", conn.GetPartyID()))
	}()

	readTimeout := h.config.ReadTimeout
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("party_id", conn.GetPartyID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any inbound frame proves the peer is alive.
		_ = conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.sink.Dispatch(conn.ctx, conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

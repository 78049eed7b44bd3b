package interfaces

import (
	"context"
)

// MessageHandler processes one inbound event from an authenticated party.
type MessageHandler func(ctx context.Context, from Party, payload []byte) error

// DisconnectHandler is called once per dropped connection.
type DisconnectHandler func(ctx context.Context, party Party)

// Party is the identity bound to a connection at handshake.
type Party struct {
	ID   string
	Role string
}

// Gateway is the real-time transport the coordinator pushes events through.
// It delivers to a specific party by identity; payloads are JSON-encodable.
type Gateway interface {
	// Send delivers an event to one party, queueing briefly if it is disconnected.
	Send(partyID, event string, payload interface{}) error

	// Broadcast delivers an event to every connected party.
	Broadcast(event string, payload interface{})

	// OnMessage registers the handler for an inbound event name.
	OnMessage(event string, handler MessageHandler)

	// OnDisconnect registers a handler for dropped connections.
	OnDisconnect(handler DisconnectHandler)
}

// Notifier is the outbound half of Gateway, which is all most components need.
type Notifier interface {
	Send(partyID, event string, payload interface{}) error
}

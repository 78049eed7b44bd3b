package directory

// Key prefixes. Every coordinator instance derives keys the same way, so the
// layout is part of the cross-instance contract.
const (
	PrefixAvailability     = "avail:"
	PrefixRequest          = "request:"
	PrefixRequestID        = "request-id:"
	PrefixRequestState     = "request-state:"
	PrefixSession          = "session:"
	PrefixSessionState     = "session-state:"
	PrefixSessionByRequest = "session-by-request:"
	PrefixSessionSettle    = "session-settle:"
	PrefixTutorSession     = "tutor-session:"
	PrefixHeartbeat        = "heartbeat:"
	PrefixDisconnect       = "disconnect:"
)

func AvailabilityKey(tutorID string) string       { return PrefixAvailability + tutorID }
func RequestKey(requestID string) string          { return PrefixRequest + requestID }
func RequestIDKey(requestID string) string        { return PrefixRequestID + requestID }
func RequestStateKey(requestID string) string     { return PrefixRequestState + requestID }
func SessionKey(sessionID string) string          { return PrefixSession + sessionID }
func SessionStateKey(sessionID string) string     { return PrefixSessionState + sessionID }
func SessionByRequestKey(requestID string) string { return PrefixSessionByRequest + requestID }
func SessionSettleKey(sessionID string) string    { return PrefixSessionSettle + sessionID }
func TutorSessionKey(tutorID string) string       { return PrefixTutorSession + tutorID }
func HeartbeatKey(sessionID string) string        { return PrefixHeartbeat + sessionID }
func DisconnectKey(sessionID string) string       { return PrefixDisconnect + sessionID }

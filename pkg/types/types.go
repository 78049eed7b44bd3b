package types

import (
	"time"
)

// Event names pushed to connected parties and accepted from them.
// The wire envelope is {"event": <name>, "payload": {...}}.
const (
	// Inbound intents
	EventAnnounce      = "announce"
	EventWithdraw      = "withdraw"
	EventSubmitRequest = "submit-request"
	EventCancelRequest = "cancel-request"
	EventAccept        = "accept"
	EventDecline       = "decline"
	EventHeartbeat     = "heartbeat"
	EventEndSession    = "end-session"

	// Outbound to tutors
	EventRequestOffered  = "request-offered"
	EventAcceptConfirmed = "accept-confirmed"
	EventAcceptRejected  = "accept-rejected"

	// Outbound to students
	EventMatchFound       = "match-found"
	EventNoMatchYet       = "no-match-yet"
	EventSessionStarted   = "session-started"
	EventOfferDeclined    = "offer-declined"
	EventRequestCancelled = "request-cancelled"
	EventRequestExpired   = "request-expired"

	// Outbound to both parties
	EventSessionEnded = "session-ended"
	EventError        = "error"
)

// Party roles carried in connection credentials.
const (
	RoleTutor   = "tutor"
	RoleStudent = "student"
)

// Session states. A session only ever moves forward through these.
const (
	SessionCreated = "created"
	SessionActive  = "active"
	SessionEnding  = "ending"
	SessionEnded   = "ended"
)

// Request states recorded once a request leaves the pending set.
const (
	RequestPending   = "pending"
	RequestAccepted  = "accepted"
	RequestCancelled = "cancelled"
	RequestExpired   = "expired"
)

// End reasons.
const (
	EndReasonExplicit         = "explicit"
	EndReasonHeartbeatTimeout = "heartbeat-timeout"
	EndReasonDisconnectGrace  = "disconnect-grace-expired"
	EndReasonRecovered        = "ending-recovered"
)

// Settlement outcomes stored on an ended session.
const (
	SettlementPending   = "pending"
	SettlementSucceeded = "succeeded"
	SettlementFailed    = "failed"
	SettlementUnknown   = "unknown"
)

// Rate is a price in minor currency units per second of lesson time.
type Rate int64

// Cost returns the total charge for the given number of whole seconds.
func (r Rate) Cost(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(r) * seconds
}

// TutorAvailability is a tutor's declared willingness to teach.
// At most one entry exists per tutor; a new announcement replaces the old one.
type TutorAvailability struct {
	PartyID        string          `json:"party_id"`
	RateByLanguage map[string]Rate `json:"rate_by_language"`
	LastSeen       time.Time       `json:"last_seen"`
}

// Languages returns the languages the tutor currently offers.
func (a *TutorAvailability) Languages() []string {
	langs := make([]string, 0, len(a.RateByLanguage))
	for lang := range a.RateByLanguage {
		langs = append(langs, lang)
	}
	return langs
}

// RateFor returns the tutor's rate for a language and whether it is offered.
func (a *TutorAvailability) RateFor(language string) (Rate, bool) {
	rate, ok := a.RateByLanguage[language]
	return rate, ok
}

// TutoringRequest is a student's standing ask to be matched.
type TutoringRequest struct {
	ID         string     `json:"id"`
	StudentID  string     `json:"student_id"`
	Language   string     `json:"language"`
	BudgetRate Rate       `json:"budget_rate"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the request has a TTL that has elapsed at now.
func (r *TutoringRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Accepts reports whether a tutor at the given rate fits the request budget.
func (r *TutoringRequest) Accepts(rate Rate) bool {
	return rate > 0 && rate <= r.BudgetRate
}

// MatchOffer pairs one request with one candidate tutor. It is never persisted.
type MatchOffer struct {
	RequestID  string `json:"request_id"`
	TutorID    string `json:"tutor_id"`
	StudentID  string `json:"student_id"`
	Language   string `json:"language"`
	BudgetRate Rate   `json:"budget_rate"`
	TutorRate  Rate   `json:"tutor_rate"`
}

// Session is the authoritative record of an accepted match.
type Session struct {
	ID                  string     `json:"id"`
	RequestID           string     `json:"request_id"`
	StudentID           string     `json:"student_id"`
	TutorID             string     `json:"tutor_id"`
	Language            string     `json:"language"`
	AgreedRate          Rate       `json:"agreed_rate"`
	State               string     `json:"state"`
	IsActive            bool       `json:"is_active"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	EndReason           string     `json:"end_reason,omitempty"`
	EndedBy             string     `json:"ended_by,omitempty"`
	DurationSeconds     int64      `json:"duration_seconds,omitempty"`
	TotalCost           int64      `json:"total_cost,omitempty"`
	SettlementStatus    string     `json:"settlement_status,omitempty"`
	SettlementReference string     `json:"settlement_reference,omitempty"`
}

// HasParticipant reports whether partyID is the tutor or the student of the session.
func (s *Session) HasParticipant(partyID string) bool {
	return partyID != "" && (partyID == s.TutorID || partyID == s.StudentID)
}

// Participants returns the tutor and student ids.
func (s *Session) Participants() []string {
	return []string{s.TutorID, s.StudentID}
}

// Terminal reports whether the session has left the active state.
func (s *Session) Terminal() bool {
	return s.State == SessionEnding || s.State == SessionEnded
}

// HeartbeatRecord is the last liveness signal from one party of one session.
// LastPingAt is server time; SentAt is the client's stamp used for replay checks.
type HeartbeatRecord struct {
	SessionID  string    `json:"session_id"`
	PartyID    string    `json:"party_id"`
	LastPingAt time.Time `json:"last_ping_at"`
	SentAt     time.Time `json:"sent_at"`
}

// Envelope is the JSON frame exchanged over the gateway.
type Envelope struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

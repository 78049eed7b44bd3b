package router

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"lingualink/pkg/types"
)

var validate = validator.New()

type AnnouncePayload struct {
	Rates map[string]int64 `json:"rates" validate:"required,min=1,dive,keys,required,endkeys,gt=0"`
}

type SubmitPayload struct {
	RequestID  string `json:"requestId" validate:"omitempty,max=64"`
	Language   string `json:"language" validate:"required,min=2,max=16"`
	BudgetRate int64  `json:"budgetRate" validate:"required,gt=0"`
}

type RequestRefPayload struct {
	RequestID string `json:"requestId" validate:"required,max=64"`
}

type HeartbeatPayload struct {
	SessionID string    `json:"sessionId" validate:"required"`
	PartyID   string    `json:"partyId" validate:"omitempty,max=50"`
	SentAt    time.Time `json:"sentAt"`
}

type EndSessionPayload struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// TypedRates converts the wire map to typed rates.
func (p AnnouncePayload) TypedRates() map[string]types.Rate {
	rates := make(map[string]types.Rate, len(p.Rates))
	for lang, rate := range p.Rates {
		rates[lang] = types.Rate(rate)
	}
	return rates
}

// Decode unmarshals raw into v and validates it. An empty payload decodes
// as an empty object.
func Decode(raw []byte, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.ErrInvalidPayload.Wrap(err)
	}
	return Validate(v)
}

// Validate runs the struct tags on v.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return types.ErrInvalidPayload.Wrap(err)
	}
	return nil
}

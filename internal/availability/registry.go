// Package availability tracks which tutors are willing to teach which
// languages at which rates. Entries live in the directory store under
// avail:<tutor> with a TTL refreshed by re-announcement and heartbeats.
package availability

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/clock"
	"lingualink/internal/directory"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Sweeper is notified after a successful announcement so pending requests
// can be offered to the tutor.
type Sweeper interface {
	SweepOnNewAvailability(ctx context.Context, tutorID string, rates map[string]types.Rate)
}

type Registry struct {
	store   interfaces.DirectoryStore
	clock   clock.Clock
	logger  *zap.Logger
	ttl     time.Duration
	sweeper Sweeper
}

// NewRegistry creates a registry. A zero ttl keeps entries until withdrawn.
func NewRegistry(store interfaces.DirectoryStore, clk clock.Clock, logger *zap.Logger, ttl time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		clock:  clk,
		logger: logger.Named("availability"),
		ttl:    ttl,
	}
}

// SetSweeper wires the broker in after construction.
func (r *Registry) SetSweeper(s Sweeper) {
	r.sweeper = s
}

// Announce replaces the tutor's availability and sweeps pending requests.
func (r *Registry) Announce(ctx context.Context, partyID string, rates map[string]types.Rate) (*types.TutorAvailability, error) {
	if !types.IsValidPartyID(partyID) {
		return nil, types.ErrInvalidPartyID
	}
	normalized, err := types.ValidateRates(rates)
	if err != nil {
		return nil, err
	}

	busy, err := r.InSession(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, types.ErrAlreadyInSession
	}

	entry := &types.TutorAvailability{
		PartyID:        partyID,
		RateByLanguage: normalized,
		LastSeen:       r.clock.Now(),
	}
	if err := directory.PutJSON(ctx, r.store, directory.AvailabilityKey(partyID), entry, r.ttl); err != nil {
		return nil, err
	}

	r.logger.Info("tutor announced",
		zap.String("tutor_id", partyID),
		zap.Strings("languages", entry.Languages()))

	if r.sweeper != nil {
		r.sweeper.SweepOnNewAvailability(ctx, partyID, normalized)
	}
	return entry, nil
}

// Withdraw removes the tutor's availability. Missing entries are not an error.
func (r *Registry) Withdraw(ctx context.Context, partyID string) error {
	if !types.IsValidPartyID(partyID) {
		return types.ErrInvalidPartyID
	}
	if err := r.store.Delete(ctx, directory.AvailabilityKey(partyID)); err != nil {
		return directory.Unavailable(err)
	}
	r.logger.Debug("tutor withdrawn", zap.String("tutor_id", partyID))
	return nil
}

// Get returns the tutor's current entry, or nil if none is live.
func (r *Registry) Get(ctx context.Context, partyID string) (*types.TutorAvailability, error) {
	var entry types.TutorAvailability
	found, err := directory.GetJSON(ctx, r.store, directory.AvailabilityKey(partyID), &entry)
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

// IsAvailable reports whether the tutor has a live entry.
func (r *Registry) IsAvailable(ctx context.Context, partyID string) (bool, error) {
	entry, err := r.Get(ctx, partyID)
	return entry != nil, err
}

// ListAvailable returns live entries offering language, or all entries if
// language is empty. Results are ordered by tutor id.
func (r *Registry) ListAvailable(ctx context.Context, language string) ([]*types.TutorAvailability, error) {
	raw, err := r.store.ScanPrefix(ctx, directory.PrefixAvailability)
	if err != nil {
		return nil, directory.Unavailable(err)
	}

	language = types.NormalizeLanguage(language)
	out := make([]*types.TutorAvailability, 0, len(raw))
	for key, value := range raw {
		var entry types.TutorAvailability
		if err := json.Unmarshal(value, &entry); err != nil {
			r.logger.Warn("skipping undecodable availability", zap.String("key", key), zap.Error(err))
			continue
		}
		if language != "" {
			if _, ok := entry.RateFor(language); !ok {
				continue
			}
		}
		out = append(out, &entry)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].PartyID < out[j].PartyID
	})
	return out, nil
}

// Refresh extends the TTL of a live entry. It reports false if none exists.
func (r *Registry) Refresh(ctx context.Context, partyID string) (bool, error) {
	if r.ttl <= 0 {
		return r.IsAvailable(ctx, partyID)
	}
	ok, err := r.store.Expire(ctx, directory.AvailabilityKey(partyID), r.ttl)
	return ok, directory.Unavailable(err)
}

// Resweep offers pending requests to a tutor whose entry is still live,
// typically right after their session ended.
func (r *Registry) Resweep(ctx context.Context, tutorID string) {
	if r.sweeper == nil {
		return
	}
	entry, err := r.Get(ctx, tutorID)
	if err != nil || entry == nil {
		return
	}
	r.sweeper.SweepOnNewAvailability(ctx, tutorID, entry.RateByLanguage)
}

// InSession reports whether the tutor's slot is held by an active session or
// an accept in flight. Stale slots left by an ended session are cleared.
func (r *Registry) InSession(ctx context.Context, tutorID string) (bool, error) {
	held, err := directory.HeldTutorSlot(ctx, r.store, tutorID)
	if err != nil {
		return false, err
	}
	return held != "", nil
}

package directory

import (
	"context"
	"errors"

	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// HeldTutorSlot returns the session id holding the tutor's slot, or "" if the
// tutor is free. A slot with no session record yet belongs to an accept in
// flight and stays held until its reservation TTL runs out. A slot whose
// session is no longer active is stale; it is cleared and reported free.
func HeldTutorSlot(ctx context.Context, store interfaces.DirectoryStore, tutorID string) (string, error) {
	key := TutorSessionKey(tutorID)
	raw, err := store.Get(ctx, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", Unavailable(err)
	}

	var session types.Session
	found, err := GetJSON(ctx, store, SessionKey(string(raw)), &session)
	if err != nil {
		return "", err
	}
	if !found || session.IsActive {
		return string(raw), nil
	}

	if _, err := store.CompareAndDelete(ctx, key, raw); err != nil {
		return "", Unavailable(err)
	}
	return "", nil
}

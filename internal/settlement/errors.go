package settlement

import "errors"

var (
	ErrUnknownDriver   = errors.New("unknown ledger driver: must be 'sqlite' or 'postgres'")
	ErrAttemptNotFound = errors.New("settlement attempt not found")
	ErrAttemptTaken    = errors.New("settlement attempt already recorded")
	ErrUnexpectedReply = errors.New("unexpected settlement service reply")
)

package pipeline

import "errors"

var (
	// ErrInvalidRequest covers missing or malformed submission fields.
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrBanned rejects submissions from blocked requesters.
	ErrBanned = errors.New("requester is banned")
	// ErrTooLarge rejects downloads whose size is known to exceed the
	// delivery ceiling before acquisition begins.
	ErrTooLarge = errors.New("file exceeds the delivery size limit")
)

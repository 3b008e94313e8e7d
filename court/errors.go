package court

import "errors"

var (
	ErrNotFound          = errors.New("court: case not found")
	ErrDuplicateCase     = errors.New("court: duplicate case")
	ErrStaleState        = errors.New("court: stale case state")
	ErrInvalidTransition = errors.New("court: invalid state transition")
	ErrAlreadyVoting     = errors.New("court: votes already cast")
	ErrCaseClosed        = errors.New("court: case not open for voting")
	ErrInvalidCommand    = errors.New("court: invalid command")
	ErrInvalidPolicy     = errors.New("court: invalid policy")
	ErrSelfVote          = errors.New("court: subject may not vote on own case")
	ErrShuttingDown      = errors.New("court: shutting down")
)

package domain

import "errors"

var (
	ErrServiceNotActive  = errors.New("service not active")
	ErrDuplicateActive   = errors.New("patient already has an active ticket")
	ErrNotFound          = errors.New("ticket not found")
	ErrIllegalTransition = errors.New("illegal ticket transition")
	ErrEmptyQueue        = errors.New("queue is empty")
	ErrContention        = errors.New("queue contention, retries exhausted")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidPriority   = errors.New("invalid priority")

	// ErrConflict is a store-level lost update (position uniqueness, check
	// constraint, serialization failure). The coordinator retries it and
	// reports ErrContention once retries run out.
	ErrConflict = errors.New("store conflict")
)

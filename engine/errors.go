package engine

import (
	"errors"
)

var (
	ErrAccountNotFound       = errors.New("unknown account")
	ErrFollowRequestNotFound = errors.New("no pending follow request for pair")

	// returned when a counter update is attempted against an in-memory
	// ledger row that has unsaved local modifications
	ErrStaleLedgerRow = errors.New("ledger row has unsaved local changes")
)

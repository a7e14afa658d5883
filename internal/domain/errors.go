package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNoCredentials      = errors.New("no trading credentials")
	ErrMalformedChain     = errors.New("malformed chain definition")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSigningFailed      = errors.New("signing failed")
	ErrLockHeld           = errors.New("lock already held")
	ErrNotAbandonable     = errors.New("chain can no longer be abandoned")
	ErrTransferReverted   = errors.New("transfer reverted on chain")
)

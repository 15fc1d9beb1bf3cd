package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrLockHeld      = errors.New("lock already held")

	// Execution outcomes.
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderAmbiguous    = errors.New("order outcome ambiguous")
	ErrInvalidFillPrice  = errors.New("invalid fill price")
	ErrStaleToken        = errors.New("stale idempotency token")
	ErrUnsupportedSymbol = errors.New("unsupported symbol")

	// Ledger and account state.
	ErrEntryPriceMissing     = errors.New("entry price missing")
	ErrPositionClosing       = errors.New("position already closing")
	ErrLedgerUnavailable     = errors.New("ledger unavailable")
	ErrReconciliationDrift   = errors.New("reconciliation drift")
	ErrBalanceFetchExhausted = errors.New("balance fetch retries exhausted")
	ErrCorruptState          = errors.New("persisted state corrupt")
)

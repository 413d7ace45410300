package models

import "errors"

// Error kinds from spec.md §7. Callers map these to HTTP status codes at
// the API boundary (internal/api) and to operation-log "result" fields
// everywhere else.
var (
	ErrValidation      = errors.New("validation error")
	ErrAuth            = errors.New("auth error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrCooldown        = errors.New("cooldown")
	ErrBackend         = errors.New("backend error")
	ErrCIAdapter       = errors.New("ci adapter error")
	ErrStore           = errors.New("store error")
	ErrBroker          = errors.New("broker error")
	ErrReadinessTimeout = errors.New("readiness timeout")
)

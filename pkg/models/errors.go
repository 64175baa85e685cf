package models

import "errors"

var (
	ErrInvalidClientKey       = errors.New("invalid client key")
	ErrTokenNotFound          = errors.New("download token not found")
	ErrTokenExpired           = errors.New("download token expired")
	ErrTokenAlreadyUsed       = errors.New("download token already used")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
	ErrInvalidSignature       = errors.New("invalid payment signature")
	ErrUnknownTransaction     = errors.New("unknown payment transaction")
	ErrNoPendingEntitlements  = errors.New("no pending entitlements")
	ErrEmptyBatch             = errors.New("empty batch")
	ErrBatchTooLarge          = errors.New("batch too large")
	ErrInvalidPolicy          = errors.New("invalid policy")
	ErrNotFound               = errors.New("not found")
	ErrInvalidRequest         = errors.New("invalid request")
)

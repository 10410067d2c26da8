package domain

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrIntegrity        = errors.New("audit chain integrity failure")
	ErrExternalService  = errors.New("external service failure")
	ErrRateLimited      = errors.New("rate limited")
)

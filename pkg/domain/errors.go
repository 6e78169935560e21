package domain

import "errors"

// Validation errors
var (
	ErrValidation    = errors.New("validation failed")
	ErrUsernameTaken = errors.New("username already held by a live guest session")
)

// Lookup errors
var (
	ErrSessionNotFound = errors.New("guest session not found")
)

// Backend errors
var (
	ErrProvisioning = errors.New("credential provisioning failed")
	ErrFirewall     = errors.New("firewall operation failed")
	ErrDisconnect   = errors.New("disconnect signal failed")
	ErrScheduler    = errors.New("expiry scheduler failure")
)

// ErrUnsupported is returned when the configured backend lacks a capability.
var ErrUnsupported = errors.New("operation not supported by backend")

package domain

import "errors"

// Sentinel errors for background operations
var (
	// ErrStoreUnavailable indicates the durable store cannot be used (closed, locked, or full).
	// Fatal for the operation in progress; never means "record absent".
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// ErrServerOffline indicates the remote API is unreachable
	ErrServerOffline = errors.New("remote server is unreachable")

	// ErrProtocolRejected indicates the server declined a request (e.g. offset mismatch)
	ErrProtocolRejected = errors.New("request rejected by server")

	// ErrAuthFailed indicates the bearer token was refused
	ErrAuthFailed = errors.New("authentication token is invalid")

	// ErrMalformedCommand indicates a command is missing fields required by its type
	ErrMalformedCommand = errors.New("malformed command")
)

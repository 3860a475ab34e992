package models

import "errors"

// Error kinds. Concrete errors wrap one of these so callers can classify a
// failure with errors.Is.
var (
	// ErrValidation is a bad argument shape or size, reported before any I/O.
	ErrValidation = errors.New("validation error")
	// ErrProtocol is a malformed hello or framing violation. It ends one connection.
	ErrProtocol = errors.New("protocol error")
	// ErrIntegrity is a failed integrity link verification. It ends one connection.
	ErrIntegrity = errors.New("integrity error")
	// ErrTransfer is a block that could not be fetched after the bulk pass.
	ErrTransfer = errors.New("transfer error")
	// ErrResource is a storage open, read or write failure.
	ErrResource = errors.New("resource error")
)

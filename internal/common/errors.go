// Package common defines shared sentinel errors and small helpers used across
// the GophMSN server and its tools. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Ticket errors (invalid, expired or issued for another user).
	ErrInvalidTicket = errors.New("invalid ticket")

	// Store location errors.
	ErrUnsupportedStore = errors.New("unsupported store location")
)

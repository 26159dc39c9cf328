// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrDialNil is used to indicate that Dial cannot be nil in the
	// configuration.
	ErrDialNil = errors.New("Config: Dial cannot be nil")

	// ErrHandlerNil is used to indicate that Handler cannot be nil in the
	// configuration.
	ErrHandlerNil = errors.New("Config: Handler cannot be nil")

	// ErrPeerNotFound is returned when an operation names a peer that is
	// not connected.
	ErrPeerNotFound = errors.New("peer not found")
)

// ErrorCode identifies a kind of admission failure.
type ErrorCode int

// These constants are used to identify a specific AdmissionError.
const (
	// ErrBanned indicates the remote address is within a banned subnet.
	ErrBanned ErrorCode = iota

	// ErrPerIPLimit indicates the remote IP already holds the maximum
	// number of inbound connections.
	ErrPerIPLimit

	// ErrNoEvictable indicates the inbound cap is reached and no existing
	// peer could be evicted to make room.
	ErrNoEvictable

	// ErrUnreachable indicates the address belongs to a network the node
	// cannot reach.
	ErrUnreachable

	// ErrDuplicateConnection indicates a connection to the address already
	// exists.
	ErrDuplicateConnection

	// ErrShuttingDown indicates the connection manager is stopping.
	ErrShuttingDown

	// numErrorCodes is the maximum error code number used in tests.
	numErrorCodes
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrBanned:              "ErrBanned",
	ErrPerIPLimit:          "ErrPerIPLimit",
	ErrNoEvictable:         "ErrNoEvictable",
	ErrUnreachable:         "ErrUnreachable",
	ErrDuplicateConnection: "ErrDuplicateConnection",
	ErrShuttingDown:        "ErrShuttingDown",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// metricLabel returns the label used for the refusal metric.
func (e ErrorCode) metricLabel() string {
	switch e {
	case ErrBanned:
		return "banned"
	case ErrPerIPLimit:
		return "per_ip_limit"
	case ErrNoEvictable:
		return "no_evictable"
	case ErrUnreachable:
		return "unreachable"
	case ErrDuplicateConnection:
		return "duplicate"
	case ErrShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// AdmissionError identifies a connection attempt that was refused.  The
// caller can use type assertions or errors.As to determine the specific
// reason.
type AdmissionError struct {
	Code        ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e AdmissionError) Error() string {
	return e.Description
}

// admissionError creates an AdmissionError given a set of arguments.
func admissionError(c ErrorCode, desc string) AdmissionError {
	return AdmissionError{Code: c, Description: desc}
}

// IsAdmissionError returns whether err is an AdmissionError with the given
// code.
func IsAdmissionError(err error, code ErrorCode) bool {
	var aerr AdmissionError
	return errors.As(err, &aerr) && aerr.Code == code
}

// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

// ErrMalformed is the error every framing and decoding failure unwraps to.
// A connection that produces it must be dropped.
var ErrMalformed = errors.New("malformed message")

// MessageError describes an issue with a message.  An example of some
// potential issues are messages from the wrong network, a declared payload
// larger than the allowed maximum, or a truncated field.
//
// This provides a mechanism for the caller to type assert the error to
// differentiate between general io errors such as io.EOF and issues that
// resulted from malformed messages.
type MessageError struct {
	Func        string // Function name
	Description string // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%v: %v", e.Func, e.Description)
	}
	return e.Description
}

// Unwrap makes errors.Is(err, ErrMalformed) hold for every MessageError.
func (e *MessageError) Unwrap() error {
	return ErrMalformed
}

// messageError creates an error for the given function and description.
func messageError(f string, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}

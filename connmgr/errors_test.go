// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrBanned, "ErrBanned"},
		{ErrPerIPLimit, "ErrPerIPLimit"},
		{ErrNoEvictable, "ErrNoEvictable"},
		{ErrUnreachable, "ErrUnreachable"},
		{ErrDuplicateConnection, "ErrDuplicateConnection"},
		{ErrShuttingDown, "ErrShuttingDown"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	// Detect additional error codes that don't have the stringer added.
	require.Len(t, tests, int(numErrorCodes)+1,
		"It appears an error code was added without adding an "+
			"associated stringer test")

	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

// TestIsAdmissionError tests matching of wrapped admission errors.
func TestIsAdmissionError(t *testing.T) {
	err := admissionError(ErrBanned, "1.2.3.4 is banned")
	require.Equal(t, "1.2.3.4 is banned", err.Error())
	require.True(t, IsAdmissionError(err, ErrBanned))
	require.False(t, IsAdmissionError(err, ErrPerIPLimit))

	wrapped := fmt.Errorf("inbound: %w", err)
	require.True(t, IsAdmissionError(wrapped, ErrBanned))
	require.False(t, IsAdmissionError(errors.New("other"), ErrBanned))
	require.False(t, IsAdmissionError(nil, ErrBanned))
}

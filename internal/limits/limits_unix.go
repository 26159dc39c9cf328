// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !windows && !plan9

package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// FileLimitWant is the number of file descriptors the daemon asks for.
	// Every peer holds one socket and the address store keeps several
	// files open.
	FileLimitWant = 4096

	// FileLimitMin is the number of file descriptors below which the
	// daemon refuses to start.
	FileLimitMin = 1024
)

// SetLimits raises some process limits to values which allow the daemon and
// associated utilities to run.
func SetLimits() error {
	var rLimit unix.Rlimit

	err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		return err
	}
	if rLimit.Cur > FileLimitWant {
		return nil
	}
	if rLimit.Max < FileLimitMin {
		err = fmt.Errorf("need at least %v file descriptors",
			FileLimitMin)
		return err
	}
	if rLimit.Max < FileLimitWant {
		rLimit.Cur = rLimit.Max
	} else {
		rLimit.Cur = FileLimitWant
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		// try min value
		rLimit.Cur = FileLimitMin
		err = unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit)
		if err != nil {
			return err
		}
	}

	return nil
}

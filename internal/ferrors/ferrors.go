// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ferrors carries an errno through every internal layer of the
// engine without losing the op name and underlying cause that produced it.
// Only the facade (internal/engine) unwraps an Error back down to a plain
// syscall.Errno before handing it to the kernel, per spec §7: internal
// layers return *Error (or a bare syscall.Errno), never a bespoke sentinel
// that the facade would have to special-case.
package ferrors

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Error wraps a syscall.Errno with the operation name and, if available,
// the lower-level error that produced it (e.g. an *os.PathError from the
// host filesystem).
type Error struct {
	Op    string
	Errno syscall.Errno
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Errno)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Errno)
}

func (e *Error) Unwrap() error { return e.Errno }

// New builds an *Error directly from a known errno, with no underlying
// cause (e.g. an invariant check that rejects a request outright).
func New(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Errno: errno}
}

// Wrap classifies err's root errno (falling back to EIO when err carries
// none) and attaches op for logging. A nil err yields a nil *Error so
// callers can write `return ferrors.Wrap("Foo", err)` unconditionally.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Errno: Errno(err), Err: err}
}

// Errno extracts the most specific syscall.Errno carried by err, walking
// os.PathError/os.LinkError/os.SyscallError wrappers and ferrors.Error
// values. Returns syscall.EIO if no errno can be recovered, and 0 if err
// is nil.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Errno
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.As(pathErr.Err, &errno) {
			return errno
		}
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		if errors.As(linkErr.Err, &errno) {
			return errno
		}
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		if errors.As(sysErr.Err, &errno) {
			return errno
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return syscall.ENOENT
	}
	if errors.Is(err, os.ErrExist) {
		return syscall.EEXIST
	}
	if errors.Is(err, os.ErrPermission) {
		return syscall.EACCES
	}

	return syscall.EIO
}

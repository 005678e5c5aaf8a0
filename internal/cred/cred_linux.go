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

//go:build linux

package cred

import (
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Scoped sets the thread's effective gid then uid to the requested
// values, per §4.5 ("GID switch is performed before UID"), and returns a
// Guard that restores both in reverse order. It locks the calling
// goroutine to its OS thread for the lifetime of the guard, since
// Setfsuid/Setfsgid are per-thread on Linux; callers MUST call Release
// (typically via defer) before the goroutine is allowed to migrate to
// another thread.
//
// If uid is 0 or equals the process's own uid (and likewise for gid), no
// switch is performed for that half and the returned Guard only covers
// whichever half actually changed. If the process lacks the capability to
// assume the requested id, Scoped returns EPERM and performs no change.
func Scoped(uid, gid uint32) (*Guard, error) {
	runtime.LockOSThread()

	selfUID := uint32(unix.Getuid())
	selfGID := uint32(unix.Getgid())

	needUID := uid != 0 && uid != selfUID
	needGID := gid != 0 && gid != selfGID

	if !needUID && !needGID {
		runtime.UnlockOSThread()
		return &Guard{}, nil
	}

	if (needUID || needGID) && selfUID != 0 {
		// Only a privileged process may assume an arbitrary id; an
		// unprivileged one may only ever already be running as itself,
		// which is excluded above.
		runtime.UnlockOSThread()
		return nil, syscall.EPERM
	}

	var prevGID, prevUID int
	if needGID {
		prevGID = setfsgid(int(gid))
	}
	if needUID {
		prevUID = setfsuid(int(uid))
	}

	return &Guard{
		restore: func() {
			defer runtime.UnlockOSThread()
			if needUID {
				setfsuid(prevUID)
			}
			if needGID {
				setfsgid(prevGID)
			}
		},
	}, nil
}

// setfsuid/setfsgid wrap unix.Setfsuid/Setfsgid, which on Linux return the
// previous value rather than an error.
var mu sync.Mutex // serializes the two syscalls against each other; Setfsuid/Setfsgid are not individually racy but pairing them is easiest to reason about single-threaded.

func setfsuid(uid int) int {
	mu.Lock()
	defer mu.Unlock()
	return unix.Setfsuid(uid)
}

func setfsgid(gid int) int {
	mu.Lock()
	defer mu.Unlock()
	return unix.Setfsgid(gid)
}

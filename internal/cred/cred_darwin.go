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

//go:build darwin

package cred

import "syscall"

// Scoped has no equivalent of per-thread Setfsuid/Setfsgid on macOS. The
// engine relies on the attribute virtualizer (C6) to present the
// requested ownership via the override xattr instead of an actual
// chown-as-user; a request for any id other than the process's own
// therefore fails here so callers fall back to virtualization.
func Scoped(uid, gid uint32) (*Guard, error) {
	selfUID := uint32(syscall.Getuid())
	selfGID := uint32(syscall.Getgid())

	if (uid == 0 || uid == selfUID) && (gid == 0 || gid == selfGID) {
		return &Guard{}, nil
	}
	return nil, syscall.EPERM
}

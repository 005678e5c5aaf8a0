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

// Package cred implements C5: scoped credential guards that temporarily
// set the calling OS thread's effective uid/gid so files the engine
// creates on behalf of a guest user land with that user's ownership, and
// so writes that must kill setuid/setgid bits run as that user would.
//
// Scoped is platform-specific (cred_linux.go, cred_darwin.go); Guard is
// shared.
package cred

// Guard restores the thread's previous effective id when released. The
// zero Guard (returned when no switch was necessary) is a no-op to
// release.
type Guard struct {
	restore func()
}

// Release restores the identity this Guard changed, if any. Safe to call
// on a nil *Guard and safe to call more than once.
func (g *Guard) Release() {
	if g == nil || g.restore == nil {
		return
	}
	restore := g.restore
	g.restore = nil
	restore()
}

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

package layer

import "golang.org/x/sys/unix"

// reflink attempts an APFS copy-on-write clone of srcPath to dstPath via
// clonefile(2) (§4.8). dstPath must not already exist. Callers fall back
// to a streaming copy when this returns an error classified by
// isReflinkFallbackErr.
func reflink(dstPath, srcPath string) error {
	return unix.Clonefileat(unix.AT_FDCWD, srcPath, unix.AT_FDCWD, dstPath, 0)
}

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

package layer

import (
	"os"
	"syscall"

	"github.com/krun-vmm/vfsd/internal/attrvirt"
)

// EmulateSpecial implements C10 for device nodes, FIFOs, and sockets on
// hosts that cannot create them natively (mknod of char/block on macOS) or
// that must carry a virtualized owner: it creates an ordinary regular
// file at path and attaches an override xattr carrying the real type bits
// and, for device nodes, rdev. Stat translation (C6) then presents the
// correct type to the guest.
func EmulateSpecial(path string, mode uint32, rdev uint64, uid, gid uint32) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return attrvirt.Set(path, attrvirt.Override{
		UID: uid, GID: gid, Mode: mode, Rdev: rdev, HasRdev: rdev != 0 || isDeviceMode(mode),
	})
}

// EmulateSymlink implements the §4.10 fallback for hosts where xattrs
// cannot be attached to symlinks and ownership virtualization is
// required: the link target is stored as an ordinary regular file's
// contents, and the override carries S_IFLNK plus the virtualized owner.
func EmulateSymlink(path, target string, uid, gid uint32, mode uint32) error {
	if err := os.WriteFile(path, []byte(target), 0o600); err != nil {
		return err
	}
	return attrvirt.Set(path, attrvirt.Override{
		UID: uid, GID: gid, Mode: syscall.S_IFLNK | (mode & 0o7777),
	})
}

// IsEmulatedSymlink reports whether an override read from path's xattr
// (already fetched by the caller) indicates the object is really a
// symlink emulated as a regular file. C7 consults this to decide whether
// readlink should apply.
func IsEmulatedSymlink(o attrvirt.Override) bool {
	return o.Mode&syscall.S_IFMT == syscall.S_IFLNK
}

// ReadEmulatedSymlinkTarget reads the link target stored as path's file
// contents by EmulateSymlink.
func ReadEmulatedSymlinkTarget(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isDeviceMode(mode uint32) bool {
	t := mode & syscall.S_IFMT
	return t == syscall.S_IFCHR || t == syscall.S_IFBLK
}

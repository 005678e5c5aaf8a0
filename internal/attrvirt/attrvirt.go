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

// Package attrvirt implements C6: on hosts that cannot honor a requested
// ownership/mode/rdev directly (macOS always, unprivileged Linux
// sometimes), the engine stores the intended values as an xattr and
// rewrites stat results to match. It also backs C10's emulation of
// special files as regular files carrying a type-bearing override.
package attrvirt

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/xattr"
)

// Name is the xattr key the override is stored under (§6). setxattr,
// getxattr, and listxattr MUST hide this key from the guest.
const Name = "user.containers.override_stat"

// Override is the decoded form of the Name xattr's value: "uid:gid:mode[:rdev]".
type Override struct {
	UID     uint32
	GID     uint32
	Mode    uint32 // includes the S_IFMT file-type bits, per §4.6.
	Rdev    uint64
	HasRdev bool
}

// Encode renders o as the ASCII wire format: uid and gid decimal, mode
// octal (file-type bits included), rdev decimal when present.
func Encode(o Override) string {
	s := fmt.Sprintf("%d:%d:%s", o.UID, o.GID, strconv.FormatUint(uint64(o.Mode), 8))
	if o.HasRdev {
		s += fmt.Sprintf(":%d", o.Rdev)
	}
	return s
}

// Decode parses the wire format Encode produces.
func Decode(s string) (Override, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return Override{}, fmt.Errorf("attrvirt: malformed override %q", s)
	}

	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Override{}, fmt.Errorf("attrvirt: bad uid in %q: %w", s, err)
	}
	gid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Override{}, fmt.Errorf("attrvirt: bad gid in %q: %w", s, err)
	}
	mode, err := strconv.ParseUint(parts[2], 8, 32)
	if err != nil {
		return Override{}, fmt.Errorf("attrvirt: bad mode in %q: %w", s, err)
	}

	o := Override{UID: uint32(uid), GID: uint32(gid), Mode: uint32(mode)}
	if len(parts) == 4 {
		rdev, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return Override{}, fmt.Errorf("attrvirt: bad rdev in %q: %w", s, err)
		}
		o.Rdev = rdev
		o.HasRdev = true
	}
	return o, nil
}

// Get reads and decodes the override stored on path, if any. A missing
// xattr is reported as (_, false, nil), not an error.
func Get(path string) (Override, bool, error) {
	raw, err := xattr.LGet(path, Name)
	if err != nil {
		if isNotExist(err) {
			return Override{}, false, nil
		}
		return Override{}, false, err
	}
	o, err := Decode(string(raw))
	if err != nil {
		return Override{}, false, err
	}
	return o, true, nil
}

// Set stores o as path's override xattr.
func Set(path string, o Override) error {
	return xattr.LSet(path, Name, []byte(Encode(o)))
}

// Remove deletes path's override xattr, if present. A missing xattr is
// not an error.
func Remove(path string) error {
	err := xattr.LRemove(path, Name)
	if err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

func isNotExist(err error) bool {
	if xerr, ok := err.(*xattr.Error); ok {
		return xerr.Err == xattr.ENOATTR || xerr.Err == syscall.ENODATA
	}
	return false
}

// modeTypeMask covers the S_IFMT file-type bits plus the low 12
// permission/setid/sticky bits, the portion of st_mode §4.6 says an
// override replaces wholesale.
const modeTypeMask = syscall.S_IFMT | 0o7777

// ApplyToStat rewrites the ownership/mode/rdev fields of st to reflect o,
// leaving every other field (size, timestamps, nlink) as the host
// reported it.
func ApplyToStat(st *syscall.Stat_t, o Override) {
	st.Uid = o.UID
	st.Gid = o.GID
	st.Mode = (st.Mode &^ modeTypeMask) | (o.Mode & modeTypeMask)
	if o.HasRdev {
		st.Rdev = o.Rdev
	}
}

// IsHidden reports whether name is the override key itself, which
// setxattr/getxattr/listxattr/removexattr must refuse or omit (§4.6).
func IsHidden(name string) bool {
	return name == Name
}

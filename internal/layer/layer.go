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

// Package layer implements C7 (layer resolver), C8 (copy-up engine), C9
// (directory merger), and C10 (special-file emulation): everything that
// understands the layer stack itself, as opposed to a single directory.
package layer

import (
	"fmt"
	"unicode/utf8"

	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/intern"
)

// whiteoutPrefix and opaqueMarker are the OCI layer changeset conventions
// §3 names.
const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

func whiteoutNameFor(name string) string { return whiteoutPrefix + name }

// Stack is the ordered sequence of host directory roots backing a mount,
// bottom layer first (§3 "Layers"). Index Top() is the writable upperdir.
type Stack struct {
	Roots    []string // bottom-to-top, absolute paths.
	Inodes   *inode.Table
	Interner *intern.Table
}

// Top returns the index of the writable top layer.
func (s *Stack) Top() int { return len(s.Roots) - 1 }

// Root returns the host path of layer idx's root.
func (s *Stack) Root(idx int) string { return s.Roots[idx] }

// IsValidName implements I8: created names are rejected if empty, "..",
// containing '/' or '\' or NUL, not valid UTF-8, starting with ".wh.", or
// equal to the opaque marker.
func IsValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("layer: empty name")
	case name == "..":
		return fmt.Errorf("layer: name is \"..\"")
	case name == ".":
		return fmt.Errorf("layer: name is \".\"")
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return fmt.Errorf("layer: name %q contains a forbidden character", name)
		}
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("layer: name %q is not valid UTF-8", name)
	}
	if name == opaqueMarker {
		return fmt.Errorf("layer: name %q is the opaque marker", name)
	}
	if len(name) >= len(whiteoutPrefix) && name[:len(whiteoutPrefix)] == whiteoutPrefix {
		return fmt.Errorf("layer: name %q uses the whiteout prefix", name)
	}
	return nil
}

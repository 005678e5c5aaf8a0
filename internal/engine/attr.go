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

package engine

import (
	"syscall"

	"github.com/krun-vmm/vfsd/internal/attrvirt"
	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/inode"
)

// statAttr implements the read side of C6 (§4.6): lstat hostPath, and if an
// override xattr is present, rewrite ownership/mode/rdev to match it before
// translating to fsops.Attr.
func (e *Engine) statAttr(d *inode.InodeData, hostPath string) (fsops.Attr, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(hostPath, &st); err != nil {
		return fsops.Attr{}, ferrors.Wrap("getattr", err)
	}

	if e.xattrEnabled {
		if o, ok, err := attrvirt.Get(hostPath); err == nil && ok {
			attrvirt.ApplyToStat(&st, o)
		}
	}

	return statToAttr(d.ID, &st), nil
}

// statToAttr is platform-specific (see stat_linux.go / stat_darwin.go):
// syscall.Stat_t's field names and widths for Nlink/Mode/Dev/time fields
// differ between Linux and Darwin.

// initKrunAttr synthesizes the fixed attributes of the embedded init
// artifact (§6 "Init artifact"): inode InitKrunID, mode 0100755, size equal
// to the embedded binary, no mutation permitted.
func (e *Engine) initKrunAttr() fsops.Attr {
	return fsops.Attr{
		Inode: fsops.InodeID(inode.InitKrunID),
		Size:  uint64(len(e.initKrunData)),
		Mode:  syscall.S_IFREG | 0o755,
		Nlink: 1,
	}
}

// toEntry wraps attr with this engine's configured cache timeouts, per
// every operation that resolves or creates a name (§4.1).
func (e *Engine) toEntry(attr fsops.Attr) fsops.Entry {
	return fsops.Entry{
		Inode:        attr.Inode,
		Attr:         attr,
		EntryTimeout: e.entryTimeout,
		AttrTimeout:  e.attrTimeout,
	}
}

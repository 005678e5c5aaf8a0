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

// Package fsops is the operation vocabulary the filesystem facade (C12,
// internal/engine) exposes: one request/result pair per row of §4.1. The
// FUSE wire decoder that produces these values and the virtio transport
// that carries them are external collaborators (§1); this package only
// defines the shapes that cross that boundary, the way fuseops/ops.go
// defines jacobsa/fuse's wire vocabulary for gcsfuse.
package fsops

import "time"

// Context carries the caller's credentials and process id, attached to
// every operation per §4.1.
type Context struct {
	UID uint32
	GID uint32
	PID uint32
}

// InodeID is an engine-minted inode id (§3); distinct from any host inode
// number.
type InodeID uint64

// HandleID is an engine-minted handle id (§3).
type HandleID uint64

// Attr is the stat-like attribute block returned by lookup/getattr/setattr
// and embedded in Entry.
type Attr struct {
	Inode     InodeID
	Size      uint64
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Mode      uint32 // includes S_IFMT.
	UID       uint32
	GID       uint32
	Rdev      uint64
	Nlink     uint32
	BlockSize uint32
}

// Entry is the (inode, attributes, cache timeouts) tuple returned by every
// operation that resolves or creates a name.
type Entry struct {
	Inode        InodeID
	Generation   uint64
	Attr         Attr
	EntryTimeout time.Duration
	AttrTimeout  time.Duration
}

// SetAttrMask selects which fields of a SetAttrRequest are meaningful; the
// kernel only ever sets a subset of stat fields per setattr call.
type SetAttrMask uint32

const (
	SetAttrMode SetAttrMask = 1 << iota
	SetAttrUID
	SetAttrGID
	SetAttrSize
	SetAttrAtime
	SetAttrMtime
	SetAttrAtimeNow
	SetAttrMtimeNow
)

// RenameFlags mirrors the Linux renameat2 flag bits named in §4.1.
type RenameFlags uint32

const (
	RenameNoReplace RenameFlags = 1 << iota
	RenameExchange
	RenameWhiteout
)

// OpenFlags mirrors the subset of open(2) flags the engine interprets
// (§4.1 open/create; §6 writeback rewriting).
type OpenFlags uint32

const (
	OpenReadOnly OpenFlags = iota
	OpenWriteOnly
	OpenReadWrite
)

// OpenOptions is returned alongside a handle from open/create, letting the
// facade tell the kernel whether it may cache reads/writes for this
// handle.
type OpenOptions struct {
	DirectIO     bool
	KeepCache    bool
	NonSeekable  bool
}

// AccessMask mirrors the R_OK/W_OK/X_OK bits from access(2).
type AccessMask uint32

const (
	AccessRead AccessMask = 1 << iota
	AccessWrite
	AccessExecute
)

// StatFS is the result of the statfs operation.
type StatFS struct {
	Blocks     uint64
	BlocksFree uint64
	BlocksAvail uint64
	Files      uint64
	FilesFree  uint64
	BlockSize  uint32
	NameMax    uint32
	Fsid       uint64
}

// DirEntry is one merged directory entry (§4.9). Type uses the DT_*
// constants from syscall (DT_REG, DT_DIR, ...).
type DirEntry struct {
	Inode  uint64 // host inode, per spec: "ino: host_ino".
	Offset uint64
	Type   uint8
	Name   string
	Attr   *Attr // non-nil only for readdirplus.
}

// Capability bits negotiated at init (§6 "Capability negotiation"). Bit
// values mirror the FUSE_* init flags the wire decoder (external to this
// package, §1) would otherwise hand us verbatim.
const (
	CapReaddirplus     uint32 = 1 << 0
	CapReaddirplusAuto uint32 = 1 << 1
	CapWriteback       uint32 = 1 << 2
	CapSubmounts       uint32 = 1 << 3
)

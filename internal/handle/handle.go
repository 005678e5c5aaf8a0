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

// Package handle implements C4: the engine handle table, mapping engine
// handle ids to open host files and cross-checking every (inode, handle)
// pair callers present.
package handle

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// Reserved is the engine handle id set aside for the synthetic init
// binary (§3).
const Reserved uint64 = 0

// HandleData is the engine's record of one open handle. File is nil for
// directory handles, which instead carry the directory's inode in DirIter.
type HandleData struct {
	mu sync.RWMutex // GUARDED_BY: protects concurrent read/write/seek against a release swapping File out from under them.

	ID    uint64
	Inode uint64
	File  *os.File

	// Exported records whether this handle's fd has been registered in the
	// FD-export ioctl table (§6). Release does not consult it: releasing an
	// exported handle leaves its export-table entry in place.
	Exported bool

	// DirIter is opaque to this package; the engine's opendir stores the
	// directory's *inode.InodeData here for readdir/releasedir.
	DirIter any
}

// WithReadLock runs fn with the handle's read lock held, serializing it
// against Release but allowing concurrent readers (§5: "permit read-only
// operations to share the handle").
func (h *HandleData) WithReadLock(fn func(f *os.File) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.File == nil {
		return syscall.EBADF
	}
	return fn(h.File)
}

// WithWriteLock runs fn with the handle's write lock held, used by
// operations that swap or close File (flush-then-reopen style sequences).
func (h *HandleData) WithWriteLock(fn func(f *os.File) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.File == nil {
		return syscall.EBADF
	}
	return fn(h.File)
}

// Table is C4: the live set of HandleData, keyed by engine handle id.
type Table struct {
	mu     sync.RWMutex // GUARDED_BY: writers are open/create/opendir/release; readers are read/write/lseek/flush/fsync.
	byID   map[uint64]*HandleData
	nextID atomic.Uint64
}

// New returns an empty Table. The first minted id is 1; 0 is Reserved.
func New() *Table {
	t := &Table{byID: make(map[uint64]*HandleData)}
	t.nextID.Store(1)
	return t
}

// Create mints a new handle bound to inode and inserts it.
func (t *Table) Create(inodeID uint64, f *os.File) *HandleData {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID.Add(1) - 1
	h := &HandleData{ID: id, Inode: inodeID, File: f}
	t.byID[id] = h
	return h
}

// Get looks a handle up by id, without checking which inode it belongs
// to; most callers should use Validate instead.
func (t *Table) Get(id uint64) (*HandleData, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byID[id]
	return h, ok
}

// Validate looks handleID up and confirms it was minted against inodeID,
// returning EBADF (I7) on any mismatch, including an unknown handle id.
func (t *Table) Validate(inodeID, handleID uint64) (*HandleData, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.byID[handleID]
	if !ok {
		return nil, syscall.EBADF
	}
	if h.Inode != inodeID {
		return nil, syscall.EBADF
	}
	return h, nil
}

// Release removes handleID from the table and closes its file, if any.
// Returns EBADF if handleID is unknown or does not agree with inodeID.
func (t *Table) Release(inodeID, handleID uint64) error {
	t.mu.Lock()
	h, ok := t.byID[handleID]
	if !ok || h.Inode != inodeID {
		t.mu.Unlock()
		return syscall.EBADF
	}
	delete(t.byID, handleID)
	t.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.File != nil {
		err := h.File.Close()
		h.File = nil
		return err
	}
	return nil
}

// Len reports the number of live handles, for metrics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

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

// Package inode implements C3: the engine inode table. It wraps
// internal/multikey with InodeData values, engine-id allocation, and
// atomic saturating refcounts (I6).
package inode

import (
	"sync"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
	"github.com/krun-vmm/vfsd/internal/intern"
	"github.com/krun-vmm/vfsd/internal/multikey"
)

// RootID is the engine inode id reserved for the mount root (§3).
const RootID uint64 = 1

// InitKrunID is the sentinel engine inode id reserved for the synthetic
// init.krun entry (§6), when that feature is enabled.
const InitKrunID uint64 = 2

// Identity is the host identity triple (§3): (host_dev, host_ino,
// host_mnt_id). On hosts that cannot report a mount id the third field is
// fixed zero, per spec.
type Identity struct {
	Dev   uint64
	Ino   uint64
	MntID uint64
}

// InodeData is the engine's record of one inode. Every field except
// refcount is guarded by the owning Table's lock; refcount is additionally
// atomic so Refcount can be read without holding the table's lock. incRef
// and decRef are only called with the table's lock held (see
// Table.LookUpOrCreate and Table.Forget).
type InodeData struct {
	mu sync.Mutex // GUARDED_BY: serializes HostFD close against concurrent use during eviction.

	ID       uint64
	identity Identity
	refcount atomic.Uint64

	// Path is the interned path of this inode relative to the root of the
	// layer it currently lives in (LayerIdx). Empty denotes a layer root.
	Path     intern.Path
	LayerIdx int

	// HostFD is a host descriptor slot. Every entry the engine creates
	// stores -1 here on all platforms: no O_PATH descriptor is opened, and
	// host objects are addressed by joining the layer root with Path.
	HostFD int
}

// Identity returns the host identity triple this inode was last resolved
// against.
func (d *InodeData) Identity() Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Promote updates the inode's host identity in place. Used by the copy-up
// engine (C8) when publishing a freshly-promoted top-layer copy: the
// caller builds a new InodeData sharing the old engine id and refcount,
// sets LayerIdx directly, calls Promote with the new identity, then hands
// the result to Table.Replace.
func (d *InodeData) Promote(identity Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = identity
}

// Refcount returns the current lookup-count, for tests and metrics.
func (d *InodeData) Refcount() uint64 {
	return d.refcount.Load()
}

// incRef bumps the refcount for a lookup that surfaces this inode to the
// caller (P2).
func (d *InodeData) incRef() {
	d.refcount.Add(1)
}

// decRef subtracts n from the refcount with saturation (I6): a forget with
// a count larger than the current value clamps to zero. Returns true if
// the count reached zero as a result of this call.
func (d *InodeData) decRef(n uint64) bool {
	for {
		cur := d.refcount.Load()
		var next uint64
		if n >= cur {
			next = 0
		} else {
			next = cur - n
		}
		if d.refcount.CompareAndSwap(cur, next) {
			return next == 0
		}
	}
}

// key is the identity.Table uses as the secondary key; a plain Identity
// value is comparable and can be used directly as a Go map key.
type key = Identity

// Table is C3: the live set of InodeData, keyed by engine inode id with a
// secondary index on Identity. Table embeds an InvariantMutex the way
// fs.fileSystem does in the teacher, so every exported mutator runs under
// Lock/Unlock and Unlock re-validates checkInvariants.
type Table struct {
	mu syncutil.InvariantMutex // LOCK ORDERING: acquired before any per-inode critical section.

	// GUARDED_BY(mu)
	byID  *multikey.Map[uint64, key, *InodeData]
	nextID atomic.Uint64
}

// New returns a Table seeded so the first non-reserved engine inode id is
// numLayerRoots+1 once RootID/InitKrunID are accounted for, matching §4.3:
// "seeded by the count of layer roots +1".
func New(numLayerRoots int) *Table {
	t := &Table{
		byID: multikey.New[uint64, key, *InodeData](),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	seed := uint64(numLayerRoots) + 1
	if seed < InitKrunID+1 {
		seed = InitKrunID + 1
	}
	t.nextID.Store(seed)
	return t
}

func (t *Table) checkInvariants() {
	// I1: every live InodeData is reachable from exactly one primary
	// entry and at most one secondary entry. multikey.Map enforces this by
	// construction (Insert always replaces both mappings atomically under
	// the caller's lock), so there is nothing extra to walk here; this
	// hook exists so future fields get the same free check the teacher's
	// fs.checkInvariants gives its inode map.
}

// Lock/Unlock expose the table's InvariantMutex so callers (C7, C8, C12)
// can hold it across a read-modify-write sequence, e.g. stale-inode retry
// loops in the style of gcsfuse's lookUpOrCreateInodeIfNotStale.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// mintID allocates the next engine inode id. Callers must hold t.mu.
func (t *Table) mintID() uint64 {
	return t.nextID.Add(1) - 1
}

// CreateRoot installs the root inode for layer layerIdx with refcount 1
// that is never decremented, per §3 Lifecycle. id should be RootID for the
// mount root and a fresh id for any other layer-root bookkeeping entry.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) CreateRoot(id uint64, identity Identity, layerIdx int, hostFD int) *InodeData {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := &InodeData{
		ID:       id,
		identity: identity,
		LayerIdx: layerIdx,
		HostFD:   hostFD,
	}
	d.refcount.Store(1)
	t.byID.Insert(id, identity, d)
	return d
}

// CreateLayerRoot mints a fresh engine id for a layer root that is not the
// mount root itself (i.e. every layer below the top) and installs it with
// refcount 1 that is never decremented, per §3 Lifecycle. These entries
// are bookkeeping only: they are never returned to the guest as a lookup
// result, only consulted internally by C7's segment walk.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) CreateLayerRoot(identity Identity, layerIdx int, hostFD int) *InodeData {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.mintID()
	d := &InodeData{
		ID:       id,
		identity: identity,
		LayerIdx: layerIdx,
		HostFD:   hostFD,
	}
	d.refcount.Store(1)
	t.byID.Insert(id, identity, d)
	return d
}

// Get looks an inode up by engine id.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Get(id uint64) (*InodeData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID.Get(id)
}

// LookUpOrCreate resolves identity to an InodeData, reusing an existing
// entry (and bumping its refcount) when one already maps to identity (P3),
// or minting a new one via newFn otherwise. newFn is called with the
// engine id the caller must use to construct the InodeData; it must not
// itself touch the table.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) LookUpOrCreate(identity Identity, newFn func(id uint64) *InodeData) (data *InodeData, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.byID.GetAlt(identity); ok {
		d.incRef()
		return d, false
	}

	id := t.mintID()
	d := newFn(id)
	d.identity = identity
	d.refcount.Store(1)
	t.byID.Insert(id, identity, d)
	return d, true
}

// Peek behaves like LookUpOrCreate but does not bump the refcount of an
// existing entry: used for internal path-walks (copy-up's ancestor chain
// reconstruction) that need an inode's identity without counting as a
// guest-visible lookup. A brand-new entry still starts at refcount 1,
// since some future forget may legitimately target it once the guest
// looks it up directly.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Peek(identity Identity, newFn func(id uint64) *InodeData) *InodeData {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.byID.GetAlt(identity); ok {
		return d
	}

	id := t.mintID()
	d := newFn(id)
	d.identity = identity
	d.refcount.Store(1)
	t.byID.Insert(id, identity, d)
	return d
}

// Forget decrements id's refcount by count (I6) and removes it from the
// table if it reaches zero. Returns whether the entry was destroyed.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Forget(id uint64, count uint64) (destroyed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.byID.Get(id)
	if !ok {
		return false
	}

	if d.decRef(count) {
		t.byID.Remove(id, d.Identity())
		return true
	}
	return false
}

// Replace installs d in place of whatever currently occupies its id,
// re-keying the secondary index to d's (possibly updated) identity. Used
// by the copy-up engine (C8) after promoting an inode into the top layer,
// per §4.8: "Replace the entry in C3."
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Replace(d *InodeData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The replacement InodeData is freshly constructed by the caller and
	// does not carry the live refcount forward on its own; copy it here so
	// outstanding lookups surfaced against the old entry remain accounted
	// for against the new one.
	if old, ok := t.byID.Get(d.ID); ok {
		d.refcount.Store(old.Refcount())
	}

	t.byID.Insert(d.ID, d.Identity(), d)
}

// Remove force-removes id regardless of refcount. Used only at destroy
// time to tear the whole table down.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.byID.Get(id); ok {
		t.byID.Remove(id, d.Identity())
	}
}

// Len reports the number of live inodes, for metrics.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID.Len()
}

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

// Package dax implements C11: host↔guest shared-memory mappings for
// zero-copy reads of mapped file regions, installed at a fixed offset
// inside a shared-memory window and torn down in reverse.
package dax

import (
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/logger"
)

// SentinelInode is the reserved engine inode id that maps anonymous memory
// carrying the embedded init binary rather than an on-disk file (§4.11).
const SentinelInode uint64 = 2

// OpenFlags selects whether the mapped region is read-only or read-write.
type OpenFlags int

const (
	ReadOnly OpenFlags = iota
	ReadWrite
)

// Broker installs/removes a guest-side mapping and is consulted on hosts
// (macOS) where the engine process cannot mmap directly into the guest's
// shared-memory window itself. Linux has no broker and mmaps directly.
type Broker interface {
	// InstallMapping asks the broker to map [moffset, moffset+len) of the
	// shared-memory window to the host memory at hostAddr, blocking until
	// acknowledged.
	InstallMapping(moffset, length uint64, hostAddr uintptr) error
	// RemoveMapping reverses InstallMapping.
	RemoveMapping(moffset, length uint64) error
}

// mapping records one installed host↔guest region, keyed by moffset so
// RemoveMapping can find what to unmap.
type mapping struct {
	hostAddr uintptr
	length   uint64
	file     *os.File // nil for the anonymous sentinel mapping.
	debugID  string    // correlates setup/teardown log lines
}

// Manager owns the set of live mappings into a single fixed shared-memory
// window. Mappings are not nested (§5): two calls claiming overlapping
// regions are the caller's bug, not something Manager detects.
type Manager struct {
	mu          sync.Mutex // GUARDED_BY: live, and every mmap/munmap syscall below.
	hostShmBase uintptr
	shmSize     uint64
	broker      Broker // nil on hosts that mmap directly into the guest window.
	live        map[uint64]*mapping
}

// NewManager returns a Manager over a shared-memory window of shmSize
// bytes starting at hostShmBase. broker may be nil.
func NewManager(hostShmBase uintptr, shmSize uint64, broker Broker) *Manager {
	return &Manager{
		hostShmBase: hostShmBase,
		shmSize:     shmSize,
		broker:      broker,
		live:        make(map[uint64]*mapping),
	}
}

// SetupMapping implements §4.11: validates moffset+len against the window,
// opens path for read or read-write per flags, mmaps the file region at
// [foffset, foffset+length) into hostShmBase+moffset with
// MAP_SHARED|MAP_FIXED, and (when a broker is configured) asks it to
// install the guest-side mapping.
func (m *Manager) SetupMapping(path string, foffset, length, moffset uint64, flags OpenFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if moffset+length > m.shmSize {
		return ferrors.New("setupmapping", syscall.EINVAL)
	}

	openFlags := os.O_RDONLY
	prot := unix.PROT_READ
	if flags == ReadWrite {
		openFlags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(path, openFlags, 0)
	if err != nil {
		return ferrors.Wrap("setupmapping", err)
	}

	addr := m.hostShmBase + uintptr(moffset)
	if err := mmapFixed(int(f.Fd()), int64(foffset), addr, length, prot, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
		f.Close()
		return ferrors.Wrap("setupmapping", err)
	}

	if m.broker != nil {
		if err := m.broker.InstallMapping(moffset, length, addr); err != nil {
			munmapAt(addr, length)
			f.Close()
			return ferrors.Wrap("setupmapping", err)
		}
	}

	id := uuid.NewString()
	logger.Debugf("dax: mapping %s installed path=%q moffset=%d length=%d", id, path, moffset, length)
	m.live[moffset] = &mapping{hostAddr: addr, length: length, file: f, debugID: id}
	return nil
}

// SetupSentinelMapping implements the §4.11 special case: the synthetic
// init binary maps anonymous memory at moffset and memcopies data into it,
// rather than mmapping a host file.
func (m *Manager) SetupSentinelMapping(data []byte, moffset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	length := uint64(len(data))
	if moffset+length > m.shmSize {
		return ferrors.New("setupmapping", syscall.EINVAL)
	}

	addr := m.hostShmBase + uintptr(moffset)
	if err := mmapFixed(-1, 0, addr, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED|unix.MAP_ANON); err != nil {
		return ferrors.Wrap("setupmapping", err)
	}
	copyToAddr(addr, data)

	if m.broker != nil {
		if err := m.broker.InstallMapping(moffset, length, addr); err != nil {
			munmapAt(addr, length)
			return ferrors.Wrap("setupmapping", err)
		}
	}

	id := uuid.NewString()
	logger.Debugf("dax: sentinel mapping %s installed moffset=%d length=%d", id, moffset, length)
	m.live[moffset] = &mapping{hostAddr: addr, length: length, debugID: id}
	return nil
}

// RemoveMapping tears down the mapping at moffset in reverse order of
// SetupMapping: broker first, then munmap, then closes the backing file.
func (m *Manager) RemoveMapping(moffset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.live[moffset]
	if !ok {
		return ferrors.New("removemapping", syscall.EINVAL)
	}
	delete(m.live, moffset)
	logger.Debugf("dax: mapping %s removed moffset=%d", mp.debugID, moffset)

	if m.broker != nil {
		if err := m.broker.RemoveMapping(moffset, mp.length); err != nil {
			return ferrors.Wrap("removemapping", err)
		}
	}

	if err := munmapAt(mp.hostAddr, mp.length); err != nil {
		return ferrors.Wrap("removemapping", err)
	}
	if mp.file != nil {
		mp.file.Close()
	}
	return nil
}

// Len reports the number of live mappings, for metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

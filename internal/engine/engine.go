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

// Package engine implements C12: the filesystem facade. It translates the
// fsops operation vocabulary into calls against C3 (internal/inode), C4
// (internal/handle), C5 (internal/cred), C6 (internal/attrvirt), and
// C7-C10 (internal/layer), the way fs.fileSystem in the teacher translates
// fuseops into calls against its own inode table.
package engine

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/krun-vmm/vfsd/cfg"
	"github.com/krun-vmm/vfsd/internal/cred"
	"github.com/krun-vmm/vfsd/internal/dax"
	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/handle"
	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/intern"
	"github.com/krun-vmm/vfsd/internal/layer"
	"github.com/krun-vmm/vfsd/internal/metrics"
)

// exportKey is the FD-export ioctl's table key (§6).
type exportKey struct {
	fsid   uint64
	handle uint64
}

// Engine is C12. One Engine serves one mount.
type Engine struct {
	cfg *cfg.Config

	stack    *layer.Stack
	resolver *layer.Resolver
	copyUp   *layer.CopyUpEngine
	merger   *layer.Merger
	handles  *handle.Table
	dax      *dax.Manager // nil if DAX is not configured for this mount.
	metrics  metrics.Handle

	entryTimeout time.Duration
	attrTimeout  time.Duration
	writeback    bool
	xattrEnabled bool

	// clock times operation latency for internal/metrics; swappable with a
	// timeutil.SimulatedClock in tests, the way gcsfuse's fake buckets swap
	// in a deterministic clock instead of timeutil.RealClock.
	clock timeutil.Clock

	initKrunData []byte // nil unless InitKrun.Enabled.

	exportMu    sync.Mutex
	exportTable map[exportKey]uint64
	exitCode    atomic.Int32

	// lastInodes/lastHandles/lastDaxMappings are the previous SampleGauges
	// reading, so each call reports the delta internal/metrics' gauges
	// expect rather than an absolute value.
	lastInodes      int
	lastHandles     int
	lastDaxMappings int
}

// New constructs an Engine over an already-resolved layer stack. The
// caller is responsible for creating root InodeData entries for every
// layer (see NewStack) before serving requests.
func New(c *cfg.Config, stack *layer.Stack, m metrics.Handle, daxMgr *dax.Manager, initKrunData []byte) *Engine {
	if m == nil {
		m = metrics.NewNoopHandle()
	}
	e := &Engine{
		cfg:          c,
		stack:        stack,
		resolver:     layer.NewResolver(stack),
		copyUp:       layer.NewCopyUpEngine(stack),
		merger:       layer.NewMerger(stack),
		handles:      handle.New(),
		dax:          daxMgr,
		metrics:      m,
		entryTimeout: c.EntryTimeout,
		attrTimeout:  c.AttrTimeout,
		writeback:    c.Writeback,
		xattrEnabled: c.Xattr,
		initKrunData: initKrunData,
		exportTable:  make(map[exportKey]uint64),
		clock:        timeutil.RealClock(),
	}
	e.wireMetrics()
	return e
}

// SetClock overrides the engine's clock, for tests that need deterministic
// operation-latency metrics (mirrors gcsfuse's fake buckets taking a
// timeutil.Clock instead of always calling timeutil.RealClock()).
func (e *Engine) SetClock(c timeutil.Clock) {
	e.clock = c
}

// wireMetrics hooks C8's copy-up engine to report CopyUpCount/CopyUpBytes
// (internal/metrics), the way gcsfuse's gcsx readers/writers report byte
// counters back to the same registry their op counters live on.
func (e *Engine) wireMetrics() {
	e.copyUp.SetMetricsHook(func(reflinked bool, bytes int64) {
		e.metrics.CopyUpCount(reflinked)
		if !reflinked {
			e.metrics.CopyUpBytes(bytes)
		}
	})
}

// SampleGauges reports the inode table, handle table, and (if configured)
// DAX mapping counts to the gauges, as the change since the previous call.
// C3/C4/C11's Len() methods are cheap lock-and-read, so this is safe to
// call on a timer from cmd/vfsd.
func (e *Engine) SampleGauges() {
	inodes := e.stack.Inodes.Len()
	e.metrics.InodeCount(inodes - e.lastInodes)
	e.lastInodes = inodes

	handles := e.handles.Len()
	e.metrics.HandleCount(handles - e.lastHandles)
	e.lastHandles = handles

	if e.dax != nil {
		mappings := e.dax.Len()
		e.metrics.DaxMappingCount(mappings - e.lastDaxMappings)
		e.lastDaxMappings = mappings
	}
}

// NewStack builds a Stack and seeds the inode table's root entries for
// every configured layer, per §3 Lifecycle: "Root inodes for each layer
// are created at mount and have refcount 1 that is never decremented."
func NewStack(roots []string) (*layer.Stack, error) {
	interner := intern.New()
	tbl := inode.New(len(roots))
	stack := &layer.Stack{Roots: roots, Inodes: tbl, Interner: interner}

	top := stack.Top()
	for idx, root := range roots {
		st, err := lstatPath(root)
		if err != nil {
			return nil, ferrors.Wrap("mount", err)
		}
		identity := inode.Identity{Dev: uint64(st.Dev), Ino: st.Ino}
		if idx == top {
			// Only the top layer's root is addressable as the mount root.
			tbl.CreateRoot(inode.RootID, identity, idx, -1)
		} else {
			tbl.CreateLayerRoot(identity, idx, -1)
		}
	}
	return stack, nil
}

func lstatPath(path string) (*syscall.Stat_t, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// hostPath returns the absolute host path of d at its current layer.
func (e *Engine) hostPath(d *inode.InodeData) string {
	return filepath.Join(e.stack.Root(d.LayerIdx), e.stack.Interner.Components(d.Path)...)
}

// getInode fetches the live InodeData for id. Callers needing init.krun
// (§6) must check for inode.InitKrunID before calling this, since that id
// is synthetic and never appears in the table.
func (e *Engine) getInode(op string, id fsops.InodeID) (*inode.InodeData, error) {
	d, ok := e.stack.Inodes.Get(uint64(id))
	if !ok {
		return nil, ferrors.New(op, syscall.EBADF)
	}
	return d, nil
}

// record wraps op with metrics instrumentation the way every fsops method
// below is expected to: count the call, time it, and count the errno on
// failure.
func (e *Engine) record(name string, fn func() error) error {
	start := e.clock.Now()
	err := fn()
	e.metrics.OpCount(name)
	e.metrics.OpLatencySeconds(name, e.clock.Now().Sub(start).Seconds())
	if err != nil {
		e.metrics.OpErrorCount(name, ferrors.Errno(err))
	}
	return err
}

// scopeCredentials installs a C5 guard for ctx's uid/gid when they differ
// from root/self, per §4.5; used by mkdir/create/mknod/symlink and by
// write when kill_priv is requested.
func scopeCredentials(ctx fsops.Context) (*cred.Guard, error) {
	return cred.Scoped(ctx.UID, ctx.GID)
}

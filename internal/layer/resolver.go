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
	"path/filepath"
	"syscall"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/intern"
)

// Resolver implements C7: top-to-bottom segment-walk name resolution
// honoring whiteouts and opaque directories, materializing InodeData for
// every directory segment it descends through via the engine's inode
// table.
type Resolver struct {
	stack *Stack
}

// NewResolver returns a Resolver over stack.
func NewResolver(stack *Stack) *Resolver {
	return &Resolver{stack: stack}
}

// identityOf builds the host identity triple for st (§3: "on hosts lacking
// mount-id reporting, the third element is fixed zero" — this engine does
// not attempt statx(STATX_MNT_ID) plumbing, so MntID is always zero here).
func identityOf(st *syscall.Stat_t) inode.Identity {
	return inode.Identity{Dev: uint64(st.Dev), Ino: st.Ino}
}

func lstat(path string) (*syscall.Stat_t, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// LookUp implements the algorithm of §4.7: walk segments = parent.Path ++
// [name] from layer parent.LayerIdx down to 0, honoring whiteouts and
// opacity, and returns the resolved InodeData plus the ordered list of
// InodeData for each segment walked in the resolved layer, ending at the
// resolved object (the layer root itself is not included).
func (r *Resolver) LookUp(parent *inode.InodeData, name string) (*inode.InodeData, []*inode.InodeData, error) {
	if err := IsValidName(name); err != nil {
		return nil, nil, ferrors.New("lookup", syscall.EINVAL)
	}

	segments := append(r.stack.Interner.Components(parent.Path), name)
	start := parent.LayerIdx

	for layerIdx := start; layerIdx >= 0; layerIdx-- {
		entry, pathInodes, status, err := r.walkLayer(layerIdx, segments, true)
		if err != nil {
			return nil, nil, err
		}
		switch status {
		case walkFound:
			return entry, pathInodes, nil
		case walkMaskedByWhiteout, walkMaskedByOpacity:
			return nil, nil, ferrors.New("lookup", syscall.ENOENT)
		case walkNotFound:
			continue
		}
	}
	return nil, nil, ferrors.New("lookup", syscall.ENOENT)
}

// ExistsBelow reports whether name resolves to anything inside parent at
// any layer strictly below top, honoring the same whiteout/opacity rules
// as LookUp. unlink/rmdir (§4.1) use this after removing a top-layer copy
// to decide whether a shadowing whiteout must be created.
func (r *Resolver) ExistsBelow(parent *inode.InodeData, name string, top int) (bool, error) {
	segments := append(r.stack.Interner.Components(parent.Path), name)
	for layerIdx := top - 1; layerIdx >= 0; layerIdx-- {
		_, _, status, err := r.walkLayer(layerIdx, segments, false)
		if err != nil {
			return false, err
		}
		switch status {
		case walkFound:
			return true, nil
		case walkMaskedByWhiteout, walkMaskedByOpacity:
			return false, nil
		}
	}
	return false, nil
}

// Chain reconstructs the ordered ancestor list from the mount root down to
// target, suitable for CopyUpEngine.CopyUp (§4.8). Intermediate ancestors
// are resolved without bumping their lookup-count, since reconstructing a
// path for an internal copy-up is not itself a guest-visible lookup;
// target's own entry (and lookup-count) is reused unchanged.
func (r *Resolver) Chain(root, target *inode.InodeData) ([]*inode.InodeData, error) {
	components := r.stack.Interner.Components(target.Path)
	chain := make([]*inode.InodeData, 0, len(components)+1)
	chain = append(chain, root)
	if len(components) == 0 {
		return chain, nil
	}

	cur := root
	for _, name := range components[:len(components)-1] {
		segments := append(r.stack.Interner.Components(cur.Path), name)
		start := cur.LayerIdx
		found := false
		for layerIdx := start; layerIdx >= 0; layerIdx-- {
			entry, _, status, err := r.walkLayer(layerIdx, segments, false)
			if err != nil {
				return nil, err
			}
			switch status {
			case walkFound:
				chain = append(chain, entry)
				cur = entry
				found = true
			case walkMaskedByWhiteout, walkMaskedByOpacity:
				return nil, ferrors.New("lookup", syscall.ENOENT)
			}
			if found {
				break
			}
		}
		if !found {
			return nil, ferrors.New("lookup", syscall.ENOENT)
		}
	}
	chain = append(chain, target)
	return chain, nil
}

type walkStatus int

const (
	walkNotFound walkStatus = iota
	walkFound
	walkMaskedByWhiteout
	walkMaskedByOpacity
)

// walkLayer walks segments inside a single layer, starting at that layer's
// root, materializing an InodeData for every segment it successfully
// stats. It never inspects another layer.
func (r *Resolver) walkLayer(layerIdx int, segments []string, incRef bool) (*inode.InodeData, []*inode.InodeData, walkStatus, error) {
	cur := r.stack.Root(layerIdx)
	curPath := intern.Path(nil)
	var pathInodes []*inode.InodeData
	opaqueSeen := false

	for i, seg := range segments {
		if exists(filepath.Join(cur, whiteoutNameFor(seg))) {
			return nil, nil, walkMaskedByWhiteout, nil
		}
		if exists(filepath.Join(cur, opaqueMarker)) {
			opaqueSeen = true
		}

		segPath := filepath.Join(cur, seg)
		st, err := lstat(segPath)
		if err != nil {
			if os.IsNotExist(err) {
				if opaqueSeen {
					return nil, nil, walkMaskedByOpacity, nil
				}
				return nil, nil, walkNotFound, nil
			}
			return nil, nil, walkNotFound, ferrors.Wrap("lookup", err)
		}

		identity := identityOf(st)
		curPath = r.stack.Interner.Join(curPath, seg)
		thisPath := curPath
		newFn := func(id uint64) *inode.InodeData {
			return &inode.InodeData{
				ID:       id,
				Path:     thisPath,
				LayerIdx: layerIdx,
				HostFD:   -1,
			}
		}
		var data *inode.InodeData
		if incRef {
			data, _ = r.stack.Inodes.LookUpOrCreate(identity, newFn)
		} else {
			data = r.stack.Inodes.Peek(identity, newFn)
		}
		pathInodes = append(pathInodes, data)
		cur = segPath

		if i == len(segments)-1 {
			return data, pathInodes, walkFound, nil
		}
	}
	// segments is never empty (name is always appended), so this is
	// unreachable; kept for completeness.
	return nil, nil, walkNotFound, nil
}

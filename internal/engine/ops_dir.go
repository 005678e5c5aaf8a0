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

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/layer"
)

// OpenDir implements the opendir row of §4.1: directory handles carry no
// host fd, only the InodeData C9's merged listing is keyed on, since the
// union view has no single host directory to hold open.
func (e *Engine) OpenDir(ctx fsops.Context, id fsops.InodeID) (fsops.HandleID, error) {
	var h fsops.HandleID
	err := e.record("opendir", func() error {
		d, err := e.getInode("opendir", id)
		if err != nil {
			return err
		}
		hd := e.handles.Create(uint64(id), nil)
		hd.DirIter = d
		h = fsops.HandleID(hd.ID)
		return nil
	})
	return h, err
}

func (e *Engine) dirHandleInode(op string, id fsops.InodeID, handleID fsops.HandleID) (*inode.InodeData, error) {
	h, err := e.handles.Validate(uint64(id), uint64(handleID))
	if err != nil {
		return nil, ferrors.New(op, err.(syscall.Errno))
	}
	d, ok := h.DirIter.(*inode.InodeData)
	if !ok {
		return nil, ferrors.New(op, syscall.EBADF)
	}
	return d, nil
}

// ReadDir implements the readdir row of §4.1: names and DT_* types only,
// no attributes.
func (e *Engine) ReadDir(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset uint64, accept func(fsops.DirEntry) bool) error {
	return e.record("readdir", func() error {
		d, err := e.dirHandleInode("readdir", id, handleID)
		if err != nil {
			return err
		}
		return e.merger.ReadDir(d.Path, offset, func(de layer.DirEntry) bool {
			return accept(fsops.DirEntry{
				Inode:  de.HostIno,
				Offset: de.Offset,
				Type:   de.Type,
				Name:   de.Name,
			})
		})
	})
}

// ReadDirPlus implements the readdirplus row of §4.1: composes C9's merged
// listing with a C7 lookup per entry so the kernel can populate its dcache
// without a follow-up getattr (§6 capability readdirplus_auto).
func (e *Engine) ReadDirPlus(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset uint64, accept func(fsops.DirEntry) bool) error {
	return e.record("readdirplus", func() error {
		parentData, err := e.dirHandleInode("readdirplus", id, handleID)
		if err != nil {
			return err
		}
		return e.merger.ReadDir(parentData.Path, offset, func(de layer.DirEntry) bool {
			entry := fsops.DirEntry{
				Inode:  de.HostIno,
				Offset: de.Offset,
				Type:   de.Type,
				Name:   de.Name,
			}
			if de.Name != "." && de.Name != ".." {
				if child, _, lerr := e.resolver.LookUp(parentData, de.Name); lerr == nil {
					if attr, serr := e.statAttr(child, e.hostPath(child)); serr == nil {
						entry.Attr = &attr
					}
				}
			}
			return accept(entry)
		})
	})
}

// ReleaseDir implements the releasedir row of §4.1.
func (e *Engine) ReleaseDir(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID) error {
	return e.record("releasedir", func() error {
		if err := e.handles.Release(uint64(id), uint64(handleID)); err != nil {
			return ferrors.New("releasedir", err.(syscall.Errno))
		}
		return nil
	})
}

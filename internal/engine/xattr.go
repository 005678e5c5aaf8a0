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

	"github.com/pkg/xattr"

	"github.com/krun-vmm/vfsd/internal/attrvirt"
	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
)

// SetXattr implements the setxattr row of §4.1/§4.6: writes are rejected
// against the reserved override key so a guest can never overwrite the
// engine's own virtualization state.
func (e *Engine) SetXattr(ctx fsops.Context, id fsops.InodeID, name string, value []byte, flags int) error {
	return e.record("setxattr", func() error {
		if !e.xattrEnabled {
			return ferrors.New("setxattr", syscall.ENOSYS)
		}
		if attrvirt.IsHidden(name) {
			return ferrors.New("setxattr", syscall.EPERM)
		}
		d, err := e.getInode("setxattr", id)
		if err != nil {
			return err
		}
		d, err = e.ensureTopLayer(d)
		if err != nil {
			return err
		}
		if err := xattr.LSet(e.hostPath(d), name, value); err != nil {
			return ferrors.Wrap("setxattr", err)
		}
		return nil
	})
}

// GetXattr implements the getxattr row of §4.1/§4.6.
func (e *Engine) GetXattr(ctx fsops.Context, id fsops.InodeID, name string) ([]byte, error) {
	var result []byte
	err := e.record("getxattr", func() error {
		if !e.xattrEnabled {
			return ferrors.New("getxattr", syscall.ENOSYS)
		}
		if attrvirt.IsHidden(name) {
			return ferrors.New("getxattr", syscall.ENODATA)
		}
		d, err := e.getInode("getxattr", id)
		if err != nil {
			return err
		}
		value, err := xattr.LGet(e.hostPath(d), name)
		if err != nil {
			return ferrors.Wrap("getxattr", err)
		}
		result = value
		return nil
	})
	return result, err
}

// ListXattr implements the listxattr row of §4.1/§4.6: the override key is
// filtered out of the result, since the guest must never see it.
func (e *Engine) ListXattr(ctx fsops.Context, id fsops.InodeID) ([]string, error) {
	var result []string
	err := e.record("listxattr", func() error {
		if !e.xattrEnabled {
			return ferrors.New("listxattr", syscall.ENOSYS)
		}
		d, err := e.getInode("listxattr", id)
		if err != nil {
			return err
		}
		names, err := xattr.LList(e.hostPath(d))
		if err != nil {
			return ferrors.Wrap("listxattr", err)
		}
		visible := names[:0]
		for _, n := range names {
			if !attrvirt.IsHidden(n) {
				visible = append(visible, n)
			}
		}
		result = visible
		return nil
	})
	return result, err
}

// RemoveXattr implements the removexattr row of §4.1/§4.6.
func (e *Engine) RemoveXattr(ctx fsops.Context, id fsops.InodeID, name string) error {
	return e.record("removexattr", func() error {
		if !e.xattrEnabled {
			return ferrors.New("removexattr", syscall.ENOSYS)
		}
		if attrvirt.IsHidden(name) {
			return ferrors.New("removexattr", syscall.EPERM)
		}
		d, err := e.getInode("removexattr", id)
		if err != nil {
			return err
		}
		d, err = e.ensureTopLayer(d)
		if err != nil {
			return err
		}
		if err := xattr.LRemove(e.hostPath(d), name); err != nil {
			return ferrors.Wrap("removexattr", err)
		}
		return nil
	})
}

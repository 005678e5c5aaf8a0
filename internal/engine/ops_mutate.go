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
	"os"
	"path/filepath"
	"syscall"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/layer"
)

// prepareCreate implements the shared precondition of every name-creating
// operation (§4.1): validate the name (I8), fail EEXIST if it already
// resolves through the union, then copy up the parent directory so the
// caller can create directly in the top layer.
func (e *Engine) prepareCreate(op string, parentID fsops.InodeID, name string) (*inode.InodeData, string, error) {
	if err := layer.IsValidName(name); err != nil {
		return nil, "", ferrors.New(op, syscall.EINVAL)
	}

	parentData, err := e.getInode(op, parentID)
	if err != nil {
		return nil, "", err
	}

	if _, _, err := e.resolver.LookUp(parentData, name); err == nil {
		return nil, "", ferrors.New(op, syscall.EEXIST)
	} else if ferrors.Errno(err) != syscall.ENOENT {
		return nil, "", err
	}

	parentData, err = e.ensureTopLayer(parentData)
	if err != nil {
		return nil, "", err
	}
	return parentData, filepath.Join(e.hostPath(parentData), name), nil
}

// entryForNewChild resolves name inside parentData (now guaranteed to
// exist, freshly created) and builds the Entry every creating operation
// returns.
func (e *Engine) entryForNewChild(parentData *inode.InodeData, name string) (fsops.Entry, error) {
	child, _, err := e.resolver.LookUp(parentData, name)
	if err != nil {
		return fsops.Entry{}, err
	}
	attr, err := e.statAttr(child, e.hostPath(child))
	if err != nil {
		return fsops.Entry{}, err
	}
	return e.toEntry(attr), nil
}

// Mkdir implements the mkdir row of §4.1.
func (e *Engine) Mkdir(ctx fsops.Context, parent fsops.InodeID, name string, mode, umask uint32) (fsops.Entry, error) {
	var result fsops.Entry
	err := e.record("mkdir", func() error {
		var err error
		result, err = e.mkdir(ctx, parent, name, mode, umask)
		return err
	})
	return result, err
}

func (e *Engine) mkdir(ctx fsops.Context, parent fsops.InodeID, name string, mode, umask uint32) (fsops.Entry, error) {
	parentData, childPath, err := e.prepareCreate("mkdir", parent, name)
	if err != nil {
		return fsops.Entry{}, err
	}

	guard, err := scopeCredentials(ctx)
	if err != nil {
		return fsops.Entry{}, ferrors.Wrap("mkdir", err)
	}
	defer guard.Release()

	if err := os.Mkdir(childPath, os.FileMode(mode&^umask&0o7777)); err != nil {
		return fsops.Entry{}, ferrors.Wrap("mkdir", err)
	}
	return e.entryForNewChild(parentData, name)
}

// Mknod implements the mknod row of §4.1: regular files are created
// directly; every other type is attempted natively and, on failure, falls
// back to C10's override emulation rather than surfacing an error (§7).
func (e *Engine) Mknod(ctx fsops.Context, parent fsops.InodeID, name string, mode, rdev, umask uint32) (fsops.Entry, error) {
	var result fsops.Entry
	err := e.record("mknod", func() error {
		var err error
		result, err = e.mknod(ctx, parent, name, mode, rdev, umask)
		return err
	})
	return result, err
}

func (e *Engine) mknod(ctx fsops.Context, parent fsops.InodeID, name string, mode, rdev, umask uint32) (fsops.Entry, error) {
	parentData, childPath, err := e.prepareCreate("mknod", parent, name)
	if err != nil {
		return fsops.Entry{}, err
	}

	guard, err := scopeCredentials(ctx)
	if err != nil {
		return fsops.Entry{}, ferrors.Wrap("mknod", err)
	}
	defer guard.Release()

	perm := mode &^ umask & 0o7777
	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		f, err := os.OpenFile(childPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(perm))
		if err != nil {
			return fsops.Entry{}, ferrors.Wrap("mknod", err)
		}
		f.Close()
	default:
		if err := syscall.Mknod(childPath, mode&^umask, int(rdev)); err != nil {
			if emulErr := layer.EmulateSpecial(childPath, mode, uint64(rdev), ctx.UID, ctx.GID); emulErr != nil {
				return fsops.Entry{}, ferrors.Wrap("mknod", emulErr)
			}
		}
	}
	return e.entryForNewChild(parentData, name)
}

// Symlink implements the symlink row of §4.1. On a host where a native
// symlink cannot be created at all, falls back to C10's regular-file
// emulation of a symlink rather than failing the whole operation.
func (e *Engine) Symlink(ctx fsops.Context, parent fsops.InodeID, name, target string) (fsops.Entry, error) {
	var result fsops.Entry
	err := e.record("symlink", func() error {
		var err error
		result, err = e.symlink(ctx, parent, name, target)
		return err
	})
	return result, err
}

func (e *Engine) symlink(ctx fsops.Context, parent fsops.InodeID, name, target string) (fsops.Entry, error) {
	parentData, childPath, err := e.prepareCreate("symlink", parent, name)
	if err != nil {
		return fsops.Entry{}, err
	}

	guard, err := scopeCredentials(ctx)
	if err != nil {
		return fsops.Entry{}, ferrors.Wrap("symlink", err)
	}
	defer guard.Release()

	if err := os.Symlink(target, childPath); err != nil {
		if !isUnsupportedErr(err) {
			return fsops.Entry{}, ferrors.Wrap("symlink", err)
		}
		if emulErr := layer.EmulateSymlink(childPath, target, ctx.UID, ctx.GID, 0o777); emulErr != nil {
			return fsops.Entry{}, ferrors.Wrap("symlink", emulErr)
		}
	}
	return e.entryForNewChild(parentData, name)
}

func isUnsupportedErr(err error) bool {
	switch ferrors.Errno(err) {
	case syscall.ENOTSUP, syscall.EOPNOTSUPP, syscall.EPERM:
		return true
	default:
		return false
	}
}

// removeEntry implements the shared body of unlink and rmdir (§4.1): the
// top-layer copy (if any) is removed, and a whiteout is left behind when
// the name remains visible in a lower layer, so the union continues to
// report it absent (P4).
func (e *Engine) removeEntry(op string, parent fsops.InodeID, name string) error {
	if err := layer.IsValidName(name); err != nil {
		return ferrors.New(op, syscall.EINVAL)
	}

	parentData, err := e.getInode(op, parent)
	if err != nil {
		return err
	}
	if _, _, err := e.resolver.LookUp(parentData, name); err != nil {
		return err
	}

	parentTop, err := e.ensureTopLayer(parentData)
	if err != nil {
		return err
	}
	topPath := filepath.Join(e.hostPath(parentTop), name)

	if err := os.Remove(topPath); err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(op, err)
	}

	stillBelow, err := e.resolver.ExistsBelow(parentTop, name, e.stack.Top())
	if err != nil {
		return err
	}
	if stillBelow {
		if err := writeWhiteout(e.hostPath(parentTop), name); err != nil {
			return ferrors.Wrap(op, err)
		}
	}
	return nil
}

func writeWhiteout(dir, name string) error {
	f, err := os.OpenFile(filepath.Join(dir, ".wh."+name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// Unlink implements the unlink row of §4.1.
func (e *Engine) Unlink(ctx fsops.Context, parent fsops.InodeID, name string) error {
	return e.record("unlink", func() error {
		return e.removeEntry("unlink", parent, name)
	})
}

// Rmdir implements the rmdir row of §4.1; os.Remove already dispatches to
// rmdir(2) for a directory target and surfaces ENOTEMPTY untouched.
func (e *Engine) Rmdir(ctx fsops.Context, parent fsops.InodeID, name string) error {
	return e.record("rmdir", func() error {
		return e.removeEntry("rmdir", parent, name)
	})
}

// Rename implements the rename row of §4.1, including the renameat2-style
// NOREPLACE/EXCHANGE/WHITEOUT flag set.
//
// LOCKS_EXCLUDED(e.stack.Inodes)
func (e *Engine) Rename(ctx fsops.Context, oldParent fsops.InodeID, oldName string, newParent fsops.InodeID, newName string, flags fsops.RenameFlags) error {
	return e.record("rename", func() error {
		return e.rename(ctx, oldParent, oldName, newParent, newName, flags)
	})
}

func (e *Engine) rename(ctx fsops.Context, oldParent fsops.InodeID, oldName string, newParent fsops.InodeID, newName string, flags fsops.RenameFlags) error {
	if flags&fsops.RenameExchange != 0 && flags&fsops.RenameWhiteout != 0 {
		return ferrors.New("rename", syscall.EINVAL)
	}
	if err := layer.IsValidName(oldName); err != nil {
		return ferrors.New("rename", syscall.EINVAL)
	}
	if err := layer.IsValidName(newName); err != nil {
		return ferrors.New("rename", syscall.EINVAL)
	}

	oldParentData, err := e.getInode("rename", oldParent)
	if err != nil {
		return err
	}
	newParentData, err := e.getInode("rename", newParent)
	if err != nil {
		return err
	}

	child, _, err := e.resolver.LookUp(oldParentData, oldName)
	if err != nil {
		return err
	}

	existingTarget, _, lookupErr := e.resolver.LookUp(newParentData, newName)
	targetExists := lookupErr == nil
	if flags&fsops.RenameNoReplace != 0 && targetExists {
		return ferrors.New("rename", syscall.EEXIST)
	}
	if flags&fsops.RenameExchange != 0 && !targetExists {
		return ferrors.New("rename", syscall.ENOENT)
	}

	oldParentTop, err := e.ensureTopLayer(oldParentData)
	if err != nil {
		return err
	}
	newParentTop, err := e.ensureTopLayer(newParentData)
	if err != nil {
		return err
	}
	child, err = e.ensureTopLayer(child)
	if err != nil {
		return err
	}

	oldPath := filepath.Join(e.hostPath(oldParentTop), oldName)
	newPath := filepath.Join(e.hostPath(newParentTop), newName)

	if flags&fsops.RenameExchange != 0 {
		existingTarget, err = e.ensureTopLayer(existingTarget)
		if err != nil {
			return err
		}
		if err := renameExchange(oldPath, newPath); err != nil {
			return ferrors.Wrap("rename", err)
		}
		if err := e.relocate(existingTarget, oldParentTop, oldName); err != nil {
			return err
		}
	} else {
		if err := os.Rename(oldPath, newPath); err != nil {
			return ferrors.Wrap("rename", err)
		}
	}

	if err := e.relocate(child, newParentTop, newName); err != nil {
		return err
	}

	stillBelow, err := e.resolver.ExistsBelow(oldParentTop, oldName, e.stack.Top())
	if err != nil {
		return err
	}
	if stillBelow || flags&fsops.RenameWhiteout != 0 {
		if err := writeWhiteout(e.hostPath(oldParentTop), oldName); err != nil {
			return ferrors.Wrap("rename", err)
		}
	}
	return nil
}

// relocate updates d's engine bookkeeping to reflect that its host object
// now lives at newParent/newName in the top layer, preserving its engine
// id and refcount (§4.8's Table.Replace convention).
func (e *Engine) relocate(d *inode.InodeData, newParent *inode.InodeData, newName string) error {
	identity, err := lstatIdentity(filepath.Join(e.hostPath(newParent), newName))
	if err != nil {
		return ferrors.Wrap("rename", err)
	}
	renamed := &inode.InodeData{
		ID:       d.ID,
		Path:     e.stack.Interner.Join(newParent.Path, newName),
		LayerIdx: e.stack.Top(),
		HostFD:   -1,
	}
	renamed.Promote(identity)
	e.stack.Inodes.Replace(renamed)
	return nil
}

func lstatIdentity(path string) (inode.Identity, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return inode.Identity{}, err
	}
	return inode.Identity{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

// Link implements the link row of §4.1: EINVAL for a symlink source,
// copy-up of the source if it is not already in the top layer.
func (e *Engine) Link(ctx fsops.Context, source fsops.InodeID, newParent fsops.InodeID, newName string) (fsops.Entry, error) {
	var result fsops.Entry
	err := e.record("link", func() error {
		var err error
		result, err = e.link(ctx, source, newParent, newName)
		return err
	})
	return result, err
}

func (e *Engine) link(ctx fsops.Context, source fsops.InodeID, newParent fsops.InodeID, newName string) (fsops.Entry, error) {
	if err := layer.IsValidName(newName); err != nil {
		return fsops.Entry{}, ferrors.New("link", syscall.EINVAL)
	}

	srcData, err := e.getInode("link", source)
	if err != nil {
		return fsops.Entry{}, err
	}
	srcAttr, err := e.statAttr(srcData, e.hostPath(srcData))
	if err != nil {
		return fsops.Entry{}, err
	}
	if srcAttr.Mode&syscall.S_IFMT == syscall.S_IFLNK {
		return fsops.Entry{}, ferrors.New("link", syscall.EINVAL)
	}

	newParentData, err := e.getInode("link", newParent)
	if err != nil {
		return fsops.Entry{}, err
	}
	if _, _, err := e.resolver.LookUp(newParentData, newName); err == nil {
		return fsops.Entry{}, ferrors.New("link", syscall.EEXIST)
	}

	srcData, err = e.ensureTopLayer(srcData)
	if err != nil {
		return fsops.Entry{}, err
	}
	newParentData, err = e.ensureTopLayer(newParentData)
	if err != nil {
		return fsops.Entry{}, err
	}

	dstPath := filepath.Join(e.hostPath(newParentData), newName)
	if err := os.Link(e.hostPath(srcData), dstPath); err != nil {
		return fsops.Entry{}, ferrors.Wrap("link", err)
	}
	return e.entryForNewChild(newParentData, newName)
}

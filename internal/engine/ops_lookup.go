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
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/internal/attrvirt"
	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/layer"
)

const initKrunName = "init.krun"

// InitCapabilities negotiates the capability bits per §6: DO_READDIRPLUS
// and READDIRPLUS_AUTO are always requested; WRITEBACK_CACHE is added only
// when both configured and advertised by the caller. SUBMOUNTS is added
// whenever the caller advertises it: there is no configuration option that
// turns it off.
func (e *Engine) InitCapabilities(requested uint32) (granted uint32) {
	granted = fsops.CapReaddirplus | fsops.CapReaddirplusAuto
	if e.writeback && requested&fsops.CapWriteback != 0 {
		granted |= fsops.CapWriteback
	}
	if requested&fsops.CapSubmounts != 0 {
		granted |= fsops.CapSubmounts
	}
	return granted
}

// Destroy releases engine-wide resources at unmount. The inode and handle
// tables are dropped with the Engine itself; there is nothing to flush
// since every mutation so far is already durable on the host filesystem.
func (e *Engine) Destroy() {}

// ForgetEntry is one (inode, count) pair of a batch_forget request (§4.1).
type ForgetEntry struct {
	Inode fsops.InodeID
	Count uint64
}

// Lookup implements the lookup row of §4.1 by delegating to C7, handling
// the init.krun sentinel (§6) before consulting the layer stack.
//
// LOCKS_EXCLUDED(e.stack.Inodes)
func (e *Engine) Lookup(ctx fsops.Context, parent fsops.InodeID, name string) (fsops.Entry, error) {
	var result fsops.Entry
	err := e.record("lookup", func() error {
		var err error
		result, err = e.lookup(ctx, parent, name)
		return err
	})
	return result, err
}

func (e *Engine) lookup(ctx fsops.Context, parent fsops.InodeID, name string) (fsops.Entry, error) {
	if e.initKrunData != nil && uint64(parent) == inode.RootID && name == initKrunName {
		return e.toEntry(e.initKrunAttr()), nil
	}

	parentData, err := e.getInode("lookup", parent)
	if err != nil {
		return fsops.Entry{}, err
	}

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

// Forget implements the forget row of §4.1: decrement id's refcount by
// count, evicting from C3 on reaching zero (P2).
func (e *Engine) Forget(id fsops.InodeID, count uint64) {
	if uint64(id) == inode.InitKrunID {
		return
	}
	e.stack.Inodes.Forget(uint64(id), count)
}

// BatchForget applies forgets in order, per §4.1.
func (e *Engine) BatchForget(entries []ForgetEntry) {
	for _, fe := range entries {
		e.Forget(fe.Inode, fe.Count)
	}
}

// GetAttr implements the getattr row of §4.1.
func (e *Engine) GetAttr(ctx fsops.Context, id fsops.InodeID) (fsops.Attr, error) {
	var result fsops.Attr
	err := e.record("getattr", func() error {
		var err error
		result, err = e.getAttr(ctx, id)
		return err
	})
	return result, err
}

func (e *Engine) getAttr(ctx fsops.Context, id fsops.InodeID) (fsops.Attr, error) {
	if e.initKrunData != nil && uint64(id) == inode.InitKrunID {
		return e.initKrunAttr(), nil
	}
	d, err := e.getInode("getattr", id)
	if err != nil {
		return fsops.Attr{}, err
	}
	return e.statAttr(d, e.hostPath(d))
}

// ensureTopLayer implements the "copy-up precedes change" rule shared by
// setattr and the write path (§4.1, §4.8): if d already lives in the top
// layer this is a no-op; otherwise its ancestor chain is reconstructed and
// promoted, and the refreshed InodeData (installed by C8's Table.Replace)
// is returned in place of the caller's stale pointer.
//
// LOCKS_EXCLUDED(e.stack.Inodes)
func (e *Engine) ensureTopLayer(d *inode.InodeData) (*inode.InodeData, error) {
	if d.LayerIdx == e.stack.Top() {
		return d, nil
	}

	root, ok := e.stack.Inodes.Get(inode.RootID)
	if !ok {
		return nil, ferrors.New("copy_up", syscall.EIO)
	}

	chain, err := e.resolver.Chain(root, d)
	if err != nil {
		return nil, err
	}
	if err := e.copyUp.CopyUp(chain); err != nil {
		return nil, err
	}

	updated, ok := e.stack.Inodes.Get(d.ID)
	if !ok {
		return nil, ferrors.New("copy_up", syscall.EIO)
	}
	return updated, nil
}

// SetAttr implements the setattr row of §4.1: copy-up precedes any change,
// then the requested fields of mask are applied via chown/chmod/truncate
// and a symlink-safe utimes.
//
// LOCKS_EXCLUDED(e.stack.Inodes)
func (e *Engine) SetAttr(ctx fsops.Context, id fsops.InodeID, attr fsops.Attr, mask fsops.SetAttrMask) (fsops.Attr, error) {
	var result fsops.Attr
	err := e.record("setattr", func() error {
		var err error
		result, err = e.setAttr(ctx, id, attr, mask)
		return err
	})
	return result, err
}

func (e *Engine) setAttr(ctx fsops.Context, id fsops.InodeID, attr fsops.Attr, mask fsops.SetAttrMask) (fsops.Attr, error) {
	d, err := e.getInode("setattr", id)
	if err != nil {
		return fsops.Attr{}, err
	}

	d, err = e.ensureTopLayer(d)
	if err != nil {
		return fsops.Attr{}, err
	}
	path := e.hostPath(d)

	if mask&(fsops.SetAttrUID|fsops.SetAttrGID) != 0 {
		uid, gid := -1, -1
		if mask&fsops.SetAttrUID != 0 {
			uid = int(attr.UID)
		}
		if mask&fsops.SetAttrGID != 0 {
			gid = int(attr.GID)
		}
		if err := syscall.Lchown(path, uid, gid); err != nil {
			return fsops.Attr{}, ferrors.Wrap("setattr", err)
		}
	}

	if mask&fsops.SetAttrMode != 0 {
		if err := os.Chmod(path, os.FileMode(attr.Mode&0o7777)); err != nil {
			return fsops.Attr{}, ferrors.Wrap("setattr", err)
		}
	}

	if mask&fsops.SetAttrSize != 0 {
		if err := os.Truncate(path, int64(attr.Size)); err != nil {
			return fsops.Attr{}, ferrors.Wrap("setattr", err)
		}
	}

	if mask&(fsops.SetAttrAtime|fsops.SetAttrMtime|fsops.SetAttrAtimeNow|fsops.SetAttrMtimeNow) != 0 {
		if err := applyTimes(path, attr, mask); err != nil {
			return fsops.Attr{}, err
		}
	}

	return e.statAttr(d, path)
}

// applyTimes implements the atime/mtime portion of setattr via a
// symlink-safe utimensat, honoring the "leave as-is" / "set to now" /
// "set to value" tri-state of §4.1's valid-mask.
func applyTimes(path string, attr fsops.Attr, mask fsops.SetAttrMask) error {
	times := [2]unix.Timespec{
		timespecFor(attr.Atime, mask&fsops.SetAttrAtime != 0, mask&fsops.SetAttrAtimeNow != 0),
		timespecFor(attr.Mtime, mask&fsops.SetAttrMtime != 0, mask&fsops.SetAttrMtimeNow != 0),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times[:], unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return ferrors.Wrap("setattr", err)
	}
	return nil
}

func timespecFor(t time.Time, explicit, now bool) unix.Timespec {
	switch {
	case now:
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_NOW}
	case explicit:
		return unix.NsecToTimespec(t.UnixNano())
	default:
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	}
}

// Readlink implements the readlink row of §4.1, consulting C10's override
// convention for symlinks emulated as regular files.
func (e *Engine) Readlink(ctx fsops.Context, id fsops.InodeID) (string, error) {
	var result string
	err := e.record("readlink", func() error {
		var err error
		result, err = e.readlink(ctx, id)
		return err
	})
	return result, err
}

func (e *Engine) readlink(ctx fsops.Context, id fsops.InodeID) (string, error) {
	d, err := e.getInode("readlink", id)
	if err != nil {
		return "", err
	}
	path := e.hostPath(d)

	if target, ok, err := e.emulatedSymlinkTarget(path); err != nil {
		return "", err
	} else if ok {
		return target, nil
	}

	target, err := os.Readlink(path)
	if err != nil {
		if ferrors.Errno(err) == syscall.EINVAL {
			return "", ferrors.New("readlink", syscall.EINVAL)
		}
		return "", ferrors.Wrap("readlink", err)
	}
	return target, nil
}

// emulatedSymlinkTarget reports whether path carries a C10 symlink
// emulation override and, if so, its stored target.
func (e *Engine) emulatedSymlinkTarget(path string) (string, bool, error) {
	o, ok, err := attrvirt.Get(path)
	if err != nil {
		return "", false, ferrors.Wrap("readlink", err)
	}
	if !ok || !layer.IsEmulatedSymlink(o) {
		return "", false, nil
	}
	target, err := layer.ReadEmulatedSymlinkTarget(path)
	if err != nil {
		return "", false, ferrors.Wrap("readlink", err)
	}
	return target, true, nil
}

// Access implements the access row of §4.1's POSIX permission matrix
// against the resolved host attributes.
func (e *Engine) Access(ctx fsops.Context, id fsops.InodeID, mask fsops.AccessMask) error {
	return e.record("access", func() error {
		d, err := e.getInode("access", id)
		if err != nil {
			return err
		}
		attr, err := e.statAttr(d, e.hostPath(d))
		if err != nil {
			return err
		}
		if !accessAllowed(ctx, attr, mask) {
			return ferrors.New("access", syscall.EACCES)
		}
		return nil
	})
}

// accessAllowed implements the POSIX owner/group/other permission matrix:
// root bypasses every check except execute-without-any-x-bit.
func accessAllowed(ctx fsops.Context, attr fsops.Attr, mask fsops.AccessMask) bool {
	if ctx.UID == 0 {
		if mask&fsops.AccessExecute != 0 {
			return attr.Mode&0o111 != 0
		}
		return true
	}

	var shift uint
	switch {
	case ctx.UID == attr.UID:
		shift = 6
	case ctx.GID == attr.GID:
		shift = 3
	default:
		shift = 0
	}

	var want uint32
	if mask&fsops.AccessRead != 0 {
		want |= 0o4
	}
	if mask&fsops.AccessWrite != 0 {
		want |= 0o2
	}
	if mask&fsops.AccessExecute != 0 {
		want |= 0o1
	}

	have := (attr.Mode >> shift) & 0o7
	return have&want == want
}

// StatFS implements the statfs row of §4.1 by delegating to the host's
// statfs(2) against the top layer root.
func (e *Engine) StatFS(id fsops.InodeID) (fsops.StatFS, error) {
	var result fsops.StatFS
	err := e.record("statfs", func() error {
		var st syscall.Statfs_t
		if err := syscall.Statfs(e.stack.Root(e.stack.Top()), &st); err != nil {
			return ferrors.Wrap("statfs", err)
		}
		result = statfsToResult(&st)
		return nil
	})
	return result, err
}

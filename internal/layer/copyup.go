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
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/inode"
)

// streamCopyBufferSize is the stack-sized buffer used by the streaming
// fallback (§5 Resource policy: "streaming buffers are stack-sized at 8
// KiB").
const streamCopyBufferSize = 8 * 1024

// CopyUpEngine implements C8: promoting files, directories, and symlinks
// (and their missing ancestors) from a lower layer into the top layer.
type CopyUpEngine struct {
	stack *Stack

	// onCopyUp, if set, is notified once per regular-file promotion with
	// whether the reflink fast path succeeded and, when it did not, how
	// many bytes the streaming fallback copied (internal/metrics
	// CopyUpCount/CopyUpBytes).
	onCopyUp func(reflinked bool, bytes int64)
}

// NewCopyUpEngine returns a CopyUpEngine over stack.
func NewCopyUpEngine(stack *Stack) *CopyUpEngine {
	return &CopyUpEngine{stack: stack}
}

// SetMetricsHook installs fn as the copy-up notification callback. Not
// safe to call concurrently with CopyUp.
func (e *CopyUpEngine) SetMetricsHook(fn func(reflinked bool, bytes int64)) {
	e.onCopyUp = fn
}

// CopyUp implements §4.8. pathInodes is an ordered chain of InodeData
// starting at an ancestor already known to exist in the top layer (at
// minimum the mount root, whose InodeData is created at LayerIdx=Top by
// construction) and ending at the object to promote. Every element after
// the first whose LayerIdx is not the top layer is promoted in order, so
// that by the time element i is promoted, element i-1 is guaranteed to
// already be at the top layer.
//
// Copy-up is atomic at the per-inode level (§4.8): a failure at element i
// leaves the table entry for i (and everything after it) untouched.
func (e *CopyUpEngine) CopyUp(pathInodes []*inode.InodeData) error {
	top := e.stack.Top()
	for i := 1; i < len(pathInodes); i++ {
		d := pathInodes[i]
		if d.LayerIdx == top {
			continue
		}
		if err := e.promoteOne(pathInodes[i-1], d, top); err != nil {
			return err
		}
	}
	return nil
}

// promoteOne promotes a single inode d, whose parent parent is already
// resident in the top layer, into the top layer.
func (e *CopyUpEngine) promoteOne(parent *inode.InodeData, d *inode.InodeData, top int) error {
	components := e.stack.Interner.Components(d.Path)
	if len(components) == 0 {
		return ferrors.New("copy_up", syscall.EINVAL)
	}
	name := components[len(components)-1]

	parentTop := filepath.Join(e.stack.Root(top), e.stack.Interner.Components(parent.Path)...)
	srcPath := filepath.Join(e.stack.Root(d.LayerIdx), components...)
	dstPath := filepath.Join(parentTop, name)

	srcStat, err := lstat(srcPath)
	if err != nil {
		return ferrors.Wrap("copy_up", err)
	}

	switch srcStat.Mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		reflinked, bytes, err := copyUpRegular(srcPath, dstPath, os.FileMode(srcStat.Mode&0o7777))
		if err != nil {
			return ferrors.Wrap("copy_up", err)
		}
		if e.onCopyUp != nil {
			e.onCopyUp(reflinked, bytes)
		}
	case syscall.S_IFDIR:
		if err := os.Mkdir(dstPath, os.FileMode(srcStat.Mode&0o7777)); err != nil && !os.IsExist(err) {
			return ferrors.Wrap("copy_up", err)
		}
	case syscall.S_IFLNK:
		if err := copyUpSymlink(srcPath, dstPath, os.FileMode(srcStat.Mode&0o7777)); err != nil {
			return ferrors.Wrap("copy_up", err)
		}
	default:
		return ferrors.New("copy_up", syscall.ENOTSUP)
	}

	dstStat, err := lstat(dstPath)
	if err != nil {
		return ferrors.Wrap("copy_up", err)
	}

	newData := &inode.InodeData{
		ID:       d.ID,
		Path:     d.Path,
		LayerIdx: top,
		HostFD:   -1,
	}
	newData.Promote(identityOf(dstStat))
	e.stack.Inodes.Replace(newData)
	return nil
}

// copyUpRegular creates dstPath with source's mode, attempting a
// reflink-accelerated copy before falling back to a streaming copy (§4.8).
// Reports whether the reflink fast path was used and, for the streaming
// fallback, how many bytes were copied (internal/metrics CopyUpBytes).
func copyUpRegular(srcPath, dstPath string, mode os.FileMode) (reflinked bool, bytes int64, err error) {
	if err := reflink(dstPath, srcPath); err == nil {
		return true, 0, os.Chmod(dstPath, mode) // explicit fchmod overriding umask.
	} else if !isReflinkFallbackErr(err) {
		return false, 0, err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return false, 0, err
	}
	defer src.Close()

	// Streaming fallback publishes through a sibling temp file so a reader
	// racing this copy-up never observes a partially written dstPath (§4.8
	// atomicity), mirroring renameio's write-fsync-rename pattern.
	dst, err := renameio.NewPendingFile(dstPath, renameio.WithPermissions(mode), renameio.WithTempDir(filepath.Dir(dstPath)))
	if err != nil {
		return false, 0, err
	}
	defer dst.Cleanup()

	n, err := streamCopy(dst, src)
	if err != nil {
		return false, n, err
	}
	if err := dst.Chmod(mode); err != nil {
		return false, n, err
	}
	return false, n, dst.CloseAtomicallyReplace()
}

func streamCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, streamCopyBufferSize)
	return io.CopyBuffer(dst, src, buf)
}

// isReflinkFallbackErr reports whether err is one of the errnos §4.8 names
// as "fall back to streaming copy" rather than a genuine failure.
func isReflinkFallbackErr(err error) bool {
	switch ferrors.Errno(err) {
	case syscall.ENOTSUP, syscall.EXDEV, syscall.EINVAL, syscall.ETXTBSY, syscall.EOPNOTSUPP:
		return true
	default:
		return false
	}
}

// copyUpSymlink recreates a symlink at dstPath with the same target as
// srcPath. Mode copy is attempted but is a documented no-op on hosts
// where symlink modes are fixed (§4.8).
func copyUpSymlink(srcPath, dstPath string, mode os.FileMode) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dstPath); err != nil {
		return err
	}
	if err := unix.Fchmodat(unix.AT_FDCWD, dstPath, uint32(mode), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		// Fixed symlink permissions (0777) on most hosts; not an error.
		return nil //nolint:nilerr
	}
	return nil
}

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
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/inode"
)

// writeFlagMask is the subset of host open(2) flags that imply a write
// intent, triggering copy-up (§4.1 open: "O_WRONLY/O_RDWR/O_CREAT/O_TRUNC
// trigger copy-up of the target before opening").
const writeFlagMask = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC

// Open implements the open row of §4.1: copies the target up to the top
// layer first if the requested flags imply a write, strips O_NOATIME when
// the caller isn't privileged enough for it to succeed, and mints a
// handle over the resulting host fd.
func (e *Engine) Open(ctx fsops.Context, id fsops.InodeID, hostFlags int) (fsops.HandleID, fsops.OpenOptions, error) {
	var (
		h    fsops.HandleID
		opts fsops.OpenOptions
	)
	err := e.record("open", func() error {
		var err error
		h, opts, err = e.open(ctx, id, hostFlags)
		return err
	})
	return h, opts, err
}

func (e *Engine) open(ctx fsops.Context, id fsops.InodeID, hostFlags int) (fsops.HandleID, fsops.OpenOptions, error) {
	if e.initKrunData != nil && uint64(id) == inode.InitKrunID {
		h := e.handles.Create(uint64(id), nil)
		return fsops.HandleID(h.ID), fsops.OpenOptions{}, nil
	}

	d, err := e.getInode("open", id)
	if err != nil {
		return 0, fsops.OpenOptions{}, err
	}

	if hostFlags&writeFlagMask != 0 {
		d, err = e.ensureTopLayer(d)
		if err != nil {
			return 0, fsops.OpenOptions{}, err
		}
	}

	flags := stripUnprivilegedNoAtime(hostFlags, ctx.UID)
	flags = e.rewriteForWriteback(flags)

	f, err := os.OpenFile(e.hostPath(d), flags, 0)
	if err != nil {
		return 0, fsops.OpenOptions{}, ferrors.Wrap("open", err)
	}
	h := e.handles.Create(uint64(id), f)
	return fsops.HandleID(h.ID), fsops.OpenOptions{}, nil
}

// rewriteForWriteback implements §6's writeback capability rewrite: once
// writeback caching is negotiated, the kernel may buffer writes and issue
// them against a descriptor opened O_WRONLY, which then fails reads back
// against its own cache; opening O_RDWR and dropping O_APPEND (whose
// offset semantics writeback's buffered writes cannot preserve) avoids
// that.
func (e *Engine) rewriteForWriteback(flags int) int {
	if !e.writeback {
		return flags
	}
	flags &^= os.O_APPEND
	if flags&os.O_WRONLY != 0 {
		flags = flags&^os.O_WRONLY | os.O_RDWR
	}
	return flags
}

// Create implements the create row of §4.1: combines prepareCreate's
// name-creation preconditions with an immediate open of the new file.
func (e *Engine) Create(ctx fsops.Context, parent fsops.InodeID, name string, mode, umask uint32, hostFlags int) (fsops.Entry, fsops.HandleID, fsops.OpenOptions, error) {
	var (
		entry fsops.Entry
		h     fsops.HandleID
		opts  fsops.OpenOptions
	)
	err := e.record("create", func() error {
		var err error
		entry, h, opts, err = e.create(ctx, parent, name, mode, umask, hostFlags)
		return err
	})
	return entry, h, opts, err
}

func (e *Engine) create(ctx fsops.Context, parent fsops.InodeID, name string, mode, umask uint32, hostFlags int) (fsops.Entry, fsops.HandleID, fsops.OpenOptions, error) {
	parentData, childPath, err := e.prepareCreate("create", parent, name)
	if err != nil {
		return fsops.Entry{}, 0, fsops.OpenOptions{}, err
	}

	guard, err := scopeCredentials(ctx)
	if err != nil {
		return fsops.Entry{}, 0, fsops.OpenOptions{}, ferrors.Wrap("create", err)
	}
	defer guard.Release()

	flags := hostFlags | os.O_CREATE | os.O_EXCL
	f, err := os.OpenFile(childPath, flags, os.FileMode(mode&^umask&0o7777))
	if err != nil {
		return fsops.Entry{}, 0, fsops.OpenOptions{}, ferrors.Wrap("create", err)
	}

	entry, err := e.entryForNewChild(parentData, name)
	if err != nil {
		f.Close()
		return fsops.Entry{}, 0, fsops.OpenOptions{}, err
	}
	h := e.handles.Create(uint64(entry.Inode), f)
	return entry, fsops.HandleID(h.ID), fsops.OpenOptions{}, nil
}

// Read implements the read row of §4.1.
func (e *Engine) Read(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset int64, size int) ([]byte, error) {
	var result []byte
	err := e.record("read", func() error {
		var err error
		result, err = e.read(ctx, id, handleID, offset, size)
		return err
	})
	return result, err
}

func (e *Engine) read(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset int64, size int) ([]byte, error) {
	if e.initKrunData != nil && uint64(id) == inode.InitKrunID {
		return e.readInitKrunData(offset, size), nil
	}

	h, err := e.handles.Validate(uint64(id), uint64(handleID))
	if err != nil {
		return nil, ferrors.New("read", err.(syscall.Errno))
	}

	buf := make([]byte, size)
	var n int
	readErr := h.WithReadLock(func(f *os.File) error {
		var rerr error
		n, rerr = f.ReadAt(buf, offset)
		return rerr
	})
	if readErr != nil && readErr != io.EOF {
		return nil, ferrors.Wrap("read", readErr)
	}
	return buf[:n], nil
}

// readInitKrunData serves a read against the synthetic init.krun artifact
// directly out of e.initKrunData (§6: "Reads serve from the in-memory
// bytes"), clamping to the available range the way a short read past
// EOF would on a real file.
func (e *Engine) readInitKrunData(offset int64, size int) []byte {
	if offset < 0 || offset >= int64(len(e.initKrunData)) {
		return nil
	}
	end := offset + int64(size)
	if end > int64(len(e.initKrunData)) {
		end = int64(len(e.initKrunData))
	}
	return e.initKrunData[offset:end]
}

// Write implements the write row of §4.1, optionally scoping credentials
// to the caller so a write that shrinks privilege (kill_priv) runs as that
// user and drops setuid/setgid bits the way the kernel would.
func (e *Engine) Write(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset int64, data []byte, killPriv bool) (uint32, error) {
	var n uint32
	err := e.record("write", func() error {
		var err error
		n, err = e.write(ctx, id, handleID, offset, data, killPriv)
		return err
	})
	return n, err
}

func (e *Engine) write(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset int64, data []byte, killPriv bool) (uint32, error) {
	h, err := e.handles.Validate(uint64(id), uint64(handleID))
	if err != nil {
		return 0, ferrors.New("write", err.(syscall.Errno))
	}

	if killPriv {
		guard, err := scopeCredentials(ctx)
		if err != nil {
			return 0, ferrors.Wrap("write", err)
		}
		defer guard.Release()
	}

	var n int
	writeErr := h.WithReadLock(func(f *os.File) error {
		var werr error
		n, werr = f.WriteAt(data, offset)
		return werr
	})
	if writeErr != nil {
		return 0, ferrors.Wrap("write", writeErr)
	}
	if killPriv {
		if err := stripSetugidBits(e, id); err != nil {
			return uint32(n), err
		}
	}
	return uint32(n), nil
}

// stripSetugidBits implements the kill_priv half of write (§4.5): a write
// by a non-owning caller clears S_ISUID/S_ISGID the way the kernel would
// on a native filesystem, since FUSE leaves this to the server.
func stripSetugidBits(e *Engine, id fsops.InodeID) error {
	d, err := e.getInode("write", id)
	if err != nil {
		return err
	}
	path := e.hostPath(d)
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return ferrors.Wrap("write", err)
	}
	if st.Mode&(syscall.S_ISUID|syscall.S_ISGID) == 0 {
		return nil
	}
	if err := os.Chmod(path, os.FileMode(st.Mode&^(syscall.S_ISUID|syscall.S_ISGID)&0o7777)); err != nil {
		return ferrors.Wrap("write", err)
	}
	return nil
}

// Flush implements the flush row of §4.1: fsync's semantics are left to
// Fsync; flush is the close(2)-triggered "commit what you have" hook and
// is implemented here as a best-effort fsync.
func (e *Engine) Flush(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID) error {
	return e.record("flush", func() error {
		h, err := e.handles.Validate(uint64(id), uint64(handleID))
		if err != nil {
			return ferrors.New("flush", err.(syscall.Errno))
		}
		return h.WithReadLock(func(f *os.File) error {
			err := f.Sync()
			if err != nil && ferrors.Errno(err) == syscall.EINVAL {
				return nil // fsync unsupported on this fd type; not an error.
			}
			return err
		})
	})
}

// Fsync implements the fsync row of §4.1.
func (e *Engine) Fsync(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, dataOnly bool) error {
	return e.record("fsync", func() error {
		h, err := e.handles.Validate(uint64(id), uint64(handleID))
		if err != nil {
			return ferrors.New("fsync", err.(syscall.Errno))
		}
		return h.WithReadLock(func(f *os.File) error {
			if dataOnly {
				if err := fdatasyncFd(int(f.Fd())); err != nil {
					return ferrors.Wrap("fsync", err)
				}
				return nil
			}
			return f.Sync()
		})
	})
}

// FsyncDir implements the fsyncdir row of §4.1; directory handles carry no
// *os.File (see OpenDir), so this fsyncs the directory's host fd directly.
func (e *Engine) FsyncDir(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, dataOnly bool) error {
	return e.record("fsyncdir", func() error {
		d, err := e.getInode("fsyncdir", id)
		if err != nil {
			return err
		}
		fd, err := unix.Open(e.hostPath(d), unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err != nil {
			return ferrors.Wrap("fsyncdir", err)
		}
		defer unix.Close(fd)

		if dataOnly {
			err = fdatasyncFd(fd)
		} else {
			err = unix.Fsync(fd)
		}
		if err != nil {
			return ferrors.Wrap("fsyncdir", err)
		}
		return nil
	})
}

// Release implements the release row of §4.1.
func (e *Engine) Release(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID) error {
	return e.record("release", func() error {
		if err := e.handles.Release(uint64(id), uint64(handleID)); err != nil {
			return ferrors.New("release", err.(syscall.Errno))
		}
		return nil
	})
}

// Fallocate implements the fallocate row of §4.1.
func (e *Engine) Fallocate(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, mode uint32, offset, length int64) error {
	return e.record("fallocate", func() error {
		h, err := e.handles.Validate(uint64(id), uint64(handleID))
		if err != nil {
			return ferrors.New("fallocate", err.(syscall.Errno))
		}
		return h.WithWriteLock(func(f *os.File) error {
			if err := fallocateFd(int(f.Fd()), mode, offset, length); err != nil {
				return ferrors.Wrap("fallocate", err)
			}
			return nil
		})
	})
}

// Lseek implements the lseek row of §4.1 (SEEK_DATA/SEEK_HOLE passthrough
// alongside the ordinary whence values).
func (e *Engine) Lseek(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset int64, whence int) (int64, error) {
	var pos int64
	err := e.record("lseek", func() error {
		var err error
		pos, err = e.lseek(ctx, id, handleID, offset, whence)
		return err
	})
	return pos, err
}

func (e *Engine) lseek(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, offset int64, whence int) (int64, error) {
	h, err := e.handles.Validate(uint64(id), uint64(handleID))
	if err != nil {
		return 0, ferrors.New("lseek", err.(syscall.Errno))
	}
	var result int64
	seekErr := h.WithReadLock(func(f *os.File) error {
		var serr error
		result, serr = f.Seek(offset, whence)
		return serr
	})
	if seekErr != nil {
		return 0, ferrors.Wrap("lseek", seekErr)
	}
	return result, nil
}

// CopyFileRange implements the copy_file_range row of §4.1: a native
// in-kernel copy on Linux, a read/write-loop fallback elsewhere.
func (e *Engine) CopyFileRange(ctx fsops.Context, srcID fsops.InodeID, srcHandle fsops.HandleID, srcOffset int64, dstID fsops.InodeID, dstHandle fsops.HandleID, dstOffset int64, length uint64, flags uint32) (uint32, error) {
	var n uint32
	err := e.record("copy_file_range", func() error {
		var err error
		n, err = e.copyFileRange(ctx, srcID, srcHandle, srcOffset, dstID, dstHandle, dstOffset, length, flags)
		return err
	})
	return n, err
}

func (e *Engine) copyFileRange(ctx fsops.Context, srcID fsops.InodeID, srcHandle fsops.HandleID, srcOffset int64, dstID fsops.InodeID, dstHandle fsops.HandleID, dstOffset int64, length uint64, flags uint32) (uint32, error) {
	srcH, err := e.handles.Validate(uint64(srcID), uint64(srcHandle))
	if err != nil {
		return 0, ferrors.New("copy_file_range", err.(syscall.Errno))
	}
	dstH, err := e.handles.Validate(uint64(dstID), uint64(dstHandle))
	if err != nil {
		return 0, ferrors.New("copy_file_range", err.(syscall.Errno))
	}

	var n int
	var copyErr error
	if srcH == dstH {
		// A single handle used as both source and destination: one lock
		// acquisition, since WithReadLock/WithWriteLock share srcH's mutex
		// and are not reentrant.
		copyErr = srcH.WithWriteLock(func(f *os.File) error {
			var cerr error
			n, cerr = copyFileRangeImpl(f, srcOffset, f, dstOffset, int(length))
			return cerr
		})
	} else {
		copyErr = srcH.WithReadLock(func(srcF *os.File) error {
			return dstH.WithWriteLock(func(dstF *os.File) error {
				var cerr error
				n, cerr = copyFileRangeImpl(srcF, srcOffset, dstF, dstOffset, int(length))
				return cerr
			})
		})
	}
	if copyErr != nil {
		return 0, ferrors.Wrap("copy_file_range", copyErr)
	}
	return uint32(n), nil
}

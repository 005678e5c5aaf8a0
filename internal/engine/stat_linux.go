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

//go:build linux

package engine

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/internal/fsops"
)

// fdatasyncFd implements fdatasync(2), skipping the inode metadata flush
// fsync(2) performs when only data durability was requested.
func fdatasyncFd(fd int) error {
	return unix.Fdatasync(fd)
}

// fallocateFd implements fallocate(2), including its mode bits (e.g.
// FALLOC_FL_PUNCH_HOLE/FALLOC_FL_KEEP_SIZE) that §4.1 passes through
// verbatim.
func fallocateFd(fd int, mode uint32, offset, length int64) error {
	return unix.Fallocate(fd, mode, offset, length)
}

// stripUnprivilegedNoAtime implements the open-row note in §4.1: O_NOATIME
// only succeeds for the file's owner or a privileged caller, so an
// unprivileged caller requesting it has the flag silently dropped rather
// than failing the whole open.
func stripUnprivilegedNoAtime(flags int, uid uint32) int {
	if flags&unix.O_NOATIME != 0 && uid != 0 {
		return flags &^ unix.O_NOATIME
	}
	return flags
}

// renameExchange atomically swaps the objects at oldPath and newPath
// (§4.1 RENAME_EXCHANGE), using renameat2's native exchange support.
func renameExchange(oldPath, newPath string) error {
	return unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, unix.RENAME_EXCHANGE)
}

// copyFileRangeImpl implements copy_file_range(2) via the in-kernel
// syscall, avoiding a round trip through userspace (§4.1 copy_file_range).
func copyFileRangeImpl(src *os.File, srcOffset int64, dst *os.File, dstOffset int64, length int) (int, error) {
	so, do := srcOffset, dstOffset
	return unix.CopyFileRange(int(src.Fd()), &so, int(dst.Fd()), &do, length, 0)
}

func statToAttr(id uint64, st *syscall.Stat_t) fsops.Attr {
	return fsops.Attr{
		Inode:     fsops.InodeID(id),
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     timespecToTime(st.Atim),
		Mtime:     timespecToTime(st.Mtim),
		Ctime:     timespecToTime(st.Ctim),
		Mode:      st.Mode,
		UID:       st.Uid,
		GID:       st.Gid,
		Rdev:      uint64(st.Rdev),
		Nlink:     uint32(st.Nlink),
		BlockSize: uint32(st.Blksize),
	}
}

func timespecToTime(ts syscall.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

func statfsToResult(st *syscall.Statfs_t) fsops.StatFS {
	return fsops.StatFS{
		Blocks:      st.Blocks,
		BlocksFree:  st.Bfree,
		BlocksAvail: st.Bavail,
		Files:       st.Files,
		FilesFree:   st.Ffree,
		BlockSize:   uint32(st.Bsize),
		NameMax:     uint32(st.Namelen),
		Fsid:        uint64(st.Fsid.X__val[0])<<32 | uint64(uint32(st.Fsid.X__val[1])),
	}
}

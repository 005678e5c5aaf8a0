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

//go:build darwin

package engine

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/krun-vmm/vfsd/internal/fsops"
)

// fdatasyncFd falls back to a full fsync(2): Darwin has no fdatasync
// syscall distinguishing data-only durability from metadata durability.
func fdatasyncFd(fd int) error {
	return syscall.Fsync(fd)
}

// fallocateFd only honors a plain size-reservation request (mode 0);
// Darwin has no equivalent of FALLOC_FL_PUNCH_HOLE/FALLOC_FL_ZERO_RANGE,
// so those modes report unsupported rather than silently doing nothing.
func fallocateFd(fd int, mode uint32, offset, length int64) error {
	if mode != 0 {
		return syscall.ENOTSUP
	}
	return syscall.Ftruncate(fd, offset+length)
}

// stripUnprivilegedNoAtime is a no-op on Darwin: O_NOATIME does not exist
// as an open(2) flag on this platform.
func stripUnprivilegedNoAtime(flags int, uid uint32) int {
	return flags
}

// renameExchange swaps the objects at oldPath and newPath. Darwin has no
// renameat2-style atomic exchange available through the unix package, so
// this falls back to a three-way rename through a sibling temp name; a
// crash between steps can leave the temp name behind, unlike the Linux
// path.
func renameExchange(oldPath, newPath string) error {
	tmp := fmt.Sprintf("%s.vfsd-exchange-%d", newPath, os.Getpid())
	if err := os.Rename(newPath, tmp); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		os.Rename(tmp, newPath)
		return err
	}
	if err := os.Rename(tmp, oldPath); err != nil {
		return err
	}
	return nil
}

// copyFileRangeImpl has no in-kernel equivalent on Darwin, so it falls
// back to a plain read/write loop through a stack-sized buffer.
func copyFileRangeImpl(src *os.File, srcOffset int64, dst *os.File, dstOffset int64, length int) (int, error) {
	buf := make([]byte, 8*1024)
	var total int
	for total < length {
		n := len(buf)
		if remaining := length - total; remaining < n {
			n = remaining
		}
		read, rerr := src.ReadAt(buf[:n], srcOffset+int64(total))
		if read > 0 {
			written, werr := dst.WriteAt(buf[:read], dstOffset+int64(total))
			total += written
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return total, rerr
		}
		if read == 0 {
			break
		}
	}
	return total, nil
}

func statToAttr(id uint64, st *syscall.Stat_t) fsops.Attr {
	return fsops.Attr{
		Inode:     fsops.InodeID(id),
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     timespecToTime(st.Atimespec),
		Mtime:     timespecToTime(st.Mtimespec),
		Ctime:     timespecToTime(st.Ctimespec),
		Mode:      uint32(st.Mode),
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

// darwinNameMax is POSIX's NAME_MAX (§4.1 statfs): Statfs_t on Darwin
// carries no namelen field, unlike Linux.
const darwinNameMax = 255

func statfsToResult(st *syscall.Statfs_t) fsops.StatFS {
	return fsops.StatFS{
		Blocks:      st.Blocks,
		BlocksFree:  st.Bfree,
		BlocksAvail: st.Bavail,
		Files:       st.Files,
		FilesFree:   st.Ffree,
		BlockSize:   st.Bsize,
		NameMax:     darwinNameMax,
		Fsid:        uint64(st.Fsid.Val[0])<<32 | uint64(uint32(st.Fsid.Val[1])),
	}
}

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

//go:build linux || darwin

package dax

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapFixed and munmapAt drop to the raw syscalls directly: unix.Mmap
// always lets the kernel choose the address, but MAP_FIXED requires
// passing the caller's chosen address as the mmap(2) addr argument, which
// unix.Mmap's signature has no parameter for.
func mmapFixed(fd int, offset int64, addr uintptr, length uint64, prot, flags int) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}

func munmapAt(addr uintptr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func copyToAddr(addr uintptr, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
}

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
	"encoding/binary"
	"syscall"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
)

// Ioctl request numbers the engine understands (§6 "External interfaces").
// Every other request number is EOPNOTSUPP, matching a passthrough FUSE
// server that only special-cases what it actually implements.
const (
	IoctlExportFD  uint32 = 0x1
	IoctlExitCode  uint32 = 0x2
)

// Ioctl implements the ioctl row of §4.1 for the two requests the guest's
// init.krun binary relies on: FD export registers a (fsid, handle) pair
// so a later mount can be resolved back to this handle by a cooperating
// component (§6), and exit-code delivery lets the guest report its exit
// status back through the filesystem channel before the VM tears down.
func (e *Engine) Ioctl(ctx fsops.Context, id fsops.InodeID, handleID fsops.HandleID, request uint32, in []byte) ([]byte, error) {
	var result []byte
	err := e.record("ioctl", func() error {
		var err error
		switch request {
		case IoctlExportFD:
			result, err = e.ioctlExportFD(id, handleID, in)
		case IoctlExitCode:
			err = e.ioctlExitCode(in)
		default:
			err = ferrors.New("ioctl", syscall.EOPNOTSUPP)
		}
		return err
	})
	return result, err
}

func (e *Engine) ioctlExportFD(id fsops.InodeID, handleID fsops.HandleID, in []byte) ([]byte, error) {
	if !e.cfg.ExportTable {
		return nil, ferrors.New("ioctl", syscall.EOPNOTSUPP)
	}
	if len(in) != 16 {
		return nil, ferrors.New("ioctl", syscall.EINVAL)
	}
	fsid := e.cfg.ExportFsid
	handle := uint64(handleID)

	h, err := e.handles.Validate(uint64(id), uint64(handleID))
	if err != nil {
		return nil, ferrors.New("ioctl", err.(syscall.Errno))
	}
	h.Exported = true

	e.exportMu.Lock()
	e.exportTable[exportKey{fsid: fsid, handle: handle}] = uint64(handleID)
	e.exportMu.Unlock()

	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], fsid)
	binary.LittleEndian.PutUint64(out[8:16], handle)
	return out, nil
}

func (e *Engine) ioctlExitCode(in []byte) error {
	if len(in) != 4 {
		return ferrors.New("ioctl", syscall.EINVAL)
	}
	code := int32(binary.LittleEndian.Uint32(in))
	e.exitCode.Store(code)
	return nil
}

// ExitCode returns the guest exit code last delivered through Ioctl. It
// does not report whether one has been delivered at all: the zero value
// is indistinguishable from "exited 0".
func (e *Engine) ExitCode() int32 {
	return e.exitCode.Load()
}

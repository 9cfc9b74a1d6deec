// Copyright 2025 Claris FUSE Authors
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

package passthrough

import (
	"context"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"github.com/fluid-notion-systems/claris-fuse/internal/config"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
	"github.com/fluid-notion-systems/claris-fuse/internal/queue"
)

// fileHandle wraps a host file descriptor and tracks whether the handle
// has unrecorded writes. In coalesce mode a dirty handle produces exactly
// one Write opcode when it is flushed or released; committing returns the
// handle to the clean state so a flush followed by release records a
// single version. Stream mode emits one opcode per write call instead and
// never dirties the handle.
type fileHandle struct {
	mu       sync.Mutex
	fd       int
	relPath  string
	hostPath string
	root     *root
	dirty    bool
	closed   bool
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileGetattrer = (*fileHandle)(nil)
var _ gofuse.FileLseeker = (*fileHandle)(nil)

func newFileHandle(fd int, relPath, hostPath string, r *root) *fileHandle {
	return &fileHandle{fd: fd, relPath: relPath, hostPath: hostPath, root: r}
}

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, syscall.EBADF
	}
	return fuse.ReadResultFd(uintptr(h.fd), off, len(dest)), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, syscall.EBADF
	}

	n, err := syscall.Pwrite(h.fd, data, off)
	if err != nil {
		return 0, gofuse.ToErrno(err)
	}

	if h.root.options.Capture == config.CaptureStream {
		op := opcode.New(opcode.KindWrite, h.relPath)
		if caller, ok := fuse.FromContext(ctx); ok {
			op.Caller = opcode.Caller{UID: caller.Uid, GID: caller.Gid, PID: caller.Pid}
		}
		op.Offset = off
		op.Bytes = append([]byte(nil), data[:n]...)
		h.stampFromFd(&op)
		h.root.emit(op)
	} else {
		h.dirty = true
	}
	return uint32(n), 0
}

// Flush is invoked on every close() of a duplicated descriptor. A dirty
// handle commits its coalesced Write here and comes back clean, so the
// release that follows does not record a second version.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return syscall.EBADF
	}
	h.commitLocked(ctx)
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	h.commitLocked(ctx)
	h.closed = true
	return gofuse.ToErrno(syscall.Close(h.fd))
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return syscall.EBADF
	}
	return gofuse.ToErrno(syscall.Fsync(h.fd))
}

func (h *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getattrLocked(out)
}

func (h *fileHandle) getattr(out *fuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getattrLocked(out)
}

func (h *fileHandle) getattrLocked(out *fuse.AttrOut) syscall.Errno {
	if h.closed {
		return syscall.EBADF
	}
	var st syscall.Stat_t
	if err := syscall.Fstat(h.fd, &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return 0
}

func (h *fileHandle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, syscall.EBADF
	}
	n, err := syscall.Seek(h.fd, int64(off), int(whence))
	if err != nil {
		return 0, gofuse.ToErrno(err)
	}
	return uint64(n), 0
}

// commitLocked emits one coalesced Write opcode carrying the handle's
// full current content and marks the handle clean.
func (h *fileHandle) commitLocked(ctx context.Context) {
	if !h.dirty {
		return
	}
	h.dirty = false

	var st syscall.Stat_t
	if err := syscall.Fstat(h.fd, &st); err != nil {
		h.countLost("fstat", err)
		return
	}
	data, err := readAt(h.fd, st.Size)
	if err != nil {
		// Write-only descriptors cannot be read back; reopen the host
		// path to capture the content.
		rfd, oerr := syscall.Open(h.hostPath, syscall.O_RDONLY, 0)
		if oerr != nil {
			h.countLost("reopen", oerr)
			return
		}
		data, err = readAt(rfd, st.Size)
		syscall.Close(rfd)
		if err != nil {
			h.countLost("read-back", err)
			return
		}
	}

	op := opcode.New(opcode.KindWrite, h.relPath)
	if caller, ok := fuse.FromContext(ctx); ok {
		op.Caller = opcode.Caller{UID: caller.Uid, GID: caller.Gid, PID: caller.Pid}
	}
	op.Bytes = data
	op.Offset = 0
	h.stampFromStat(&op, &st)
	h.root.emit(op)
}

// countLost makes a failed coalesced commit observable: the write already
// happened on the host FS but no version will record it.
func (h *fileHandle) countLost(stage string, err error) {
	queue.CountDropped()
	log.Warnf("[fuse] coalesced write on %q lost (%s failed): %v", h.relPath, stage, err)
}

func (h *fileHandle) stampFromFd(op *opcode.Opcode) {
	var st syscall.Stat_t
	if err := syscall.Fstat(h.fd, &st); err != nil {
		return
	}
	h.stampFromStat(op, &st)
}

func (h *fileHandle) stampFromStat(op *opcode.Opcode, st *syscall.Stat_t) {
	op.Mode = st.Mode
	op.UID = st.Uid
	op.GID = st.Gid
	op.FinalSize = st.Size
	op.Atime = st.Atim.Sec*1e9 + st.Atim.Nsec
	op.Mtime = st.Mtim.Sec*1e9 + st.Mtim.Nsec
	op.Ctime = st.Ctim.Sec*1e9 + st.Ctim.Nsec
}

// readAt reads size bytes from the descriptor starting at offset zero
// without moving its file position.
func readAt(fd int, size int64) ([]byte, error) {
	buf := make([]byte, size)
	var off int64
	for off < size {
		n, err := syscall.Pread(fd, buf[off:], off)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return buf[:off], nil
		}
		off += int64(n)
	}
	return buf, nil
}

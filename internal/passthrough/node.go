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
	"os"
	"path/filepath"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
)

// node mirrors one entry of the source directory. The relative path is
// derived from the inode tree, which go-fuse keeps consistent across
// renames.
type node struct {
	gofuse.Inode
	root *root
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeSymlinker = (*node)(nil)
var _ gofuse.NodeLinker = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)

// relPath is the canonical relative path of this node; the tree root is
// the empty string.
func (n *node) relPath() string {
	return common.NormalizePath(n.Path(nil))
}

// hostPath is the node's location under the source directory.
func (n *node) hostPath() string {
	return filepath.Join(n.root.options.SourceDir, n.Path(nil))
}

func (n *node) childHostPath(name string) string {
	return filepath.Join(n.hostPath(), name)
}

func (n *node) childRelPath(name string) string {
	return common.JoinPath(n.relPath(), name)
}

// newOp builds an opcode stamped with the caller's credentials.
func (n *node) newOp(ctx context.Context, kind opcode.Kind, rel string) opcode.Opcode {
	op := opcode.New(kind, rel)
	if caller, ok := fuse.FromContext(ctx); ok {
		op.Caller = opcode.Caller{UID: caller.Uid, GID: caller.Gid, PID: caller.Pid}
	}
	return op
}

// stampPostState fills the opcode with the post-operation state observed
// from the host FS.
func stampPostState(op *opcode.Opcode, hostPath string) {
	var st syscall.Stat_t
	if err := syscall.Lstat(hostPath, &st); err != nil {
		return
	}
	op.Mode = st.Mode
	op.UID = st.Uid
	op.GID = st.Gid
	op.FinalSize = st.Size
	op.Atime = st.Atim.Sec*1e9 + st.Atim.Nsec
	op.Mtime = st.Mtim.Sec*1e9 + st.Mtim.Nsec
	op.Ctime = st.Ctim.Sec*1e9 + st.Ctim.Nsec
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	var st syscall.Stat_t
	if err := syscall.Lstat(n.childHostPath(name), &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	child := n.NewInode(ctx, &node{root: n.root}, gofuse.StableAttr{
		Mode: st.Mode & syscall.S_IFMT,
		Ino:  st.Ino,
	})
	return child, 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fh, ok := f.(*fileHandle); ok {
		return fh.getattr(out)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(n.hostPath(), &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	host := n.hostPath()
	rel := n.relPath()

	if mode, ok := in.GetMode(); ok {
		if err := syscall.Chmod(host, mode); err != nil {
			return gofuse.ToErrno(err)
		}
		op := n.newOp(ctx, opcode.KindChmod, rel)
		stampPostState(&op, host)
		n.root.emit(op)
	}

	uid, hasUID := in.GetUID()
	gid, hasGID := in.GetGID()
	if hasUID || hasGID {
		chownUID, chownGID := -1, -1
		if hasUID {
			chownUID = int(uid)
		}
		if hasGID {
			chownGID = int(gid)
		}
		if err := syscall.Lchown(host, chownUID, chownGID); err != nil {
			return gofuse.ToErrno(err)
		}
		op := n.newOp(ctx, opcode.KindChown, rel)
		stampPostState(&op, host)
		n.root.emit(op)
	}

	if size, ok := in.GetSize(); ok {
		if err := syscall.Truncate(host, int64(size)); err != nil {
			return gofuse.ToErrno(err)
		}
		op := n.newOp(ctx, opcode.KindTruncate, rel)
		stampPostState(&op, host)
		n.root.emit(op)
	}

	atime, hasAtime := in.GetATime()
	mtime, hasMtime := in.GetMTime()
	if hasAtime || hasMtime {
		var st syscall.Stat_t
		if err := syscall.Lstat(host, &st); err != nil {
			return gofuse.ToErrno(err)
		}
		ts := []syscall.Timespec{
			{Sec: st.Atim.Sec, Nsec: st.Atim.Nsec},
			{Sec: st.Mtim.Sec, Nsec: st.Mtim.Nsec},
		}
		if hasAtime {
			ts[0] = syscall.NsecToTimespec(atime.UnixNano())
		}
		if hasMtime {
			ts[1] = syscall.NsecToTimespec(mtime.UnixNano())
		}
		if err := syscall.UtimesNano(host, ts); err != nil {
			return gofuse.ToErrno(err)
		}
		op := n.newOp(ctx, opcode.KindUtimens, rel)
		stampPostState(&op, host)
		op.Atime = syscall.TimespecToNsec(ts[0])
		op.Mtime = syscall.TimespecToNsec(ts[1])
		n.root.emit(op)
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(host, &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	fd, err := syscall.Open(n.hostPath(), int(flags), 0)
	if err != nil {
		return nil, 0, gofuse.ToErrno(err)
	}
	return newFileHandle(fd, n.relPath(), n.hostPath(), n.root), 0, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	host := n.childHostPath(name)
	rel := n.childRelPath(name)

	fd, err := syscall.Open(host, int(flags)|os.O_CREATE, mode)
	if err != nil {
		return nil, nil, 0, gofuse.ToErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		syscall.Close(fd)
		return nil, nil, 0, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	op := n.newOp(ctx, opcode.KindCreate, rel)
	stampPostState(&op, host)
	n.root.emit(op)

	child := n.NewInode(ctx, &node{root: n.root}, gofuse.StableAttr{
		Mode: st.Mode & syscall.S_IFMT,
		Ino:  st.Ino,
	})
	return child, newFileHandle(fd, rel, host, n.root), 0, 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.hostPath())
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		var mode uint32 = syscall.S_IFREG
		switch {
		case e.IsDir():
			mode = syscall.S_IFDIR
		case e.Type()&os.ModeSymlink != 0:
			mode = syscall.S_IFLNK
		}
		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return &sliceDirStream{entries: out}, 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := os.Readlink(n.hostPath())
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	return []byte(target), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	host := n.childHostPath(name)
	if err := syscall.Mkdir(host, mode); err != nil {
		return nil, gofuse.ToErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(host, &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	op := n.newOp(ctx, opcode.KindMkdir, n.childRelPath(name))
	stampPostState(&op, host)
	n.root.emit(op)

	child := n.NewInode(ctx, &node{root: n.root}, gofuse.StableAttr{
		Mode: st.Mode & syscall.S_IFMT,
		Ino:  st.Ino,
	})
	return child, 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := syscall.Rmdir(n.childHostPath(name)); err != nil {
		return gofuse.ToErrno(err)
	}
	n.root.emit(n.newOp(ctx, opcode.KindRmdir, n.childRelPath(name)))
	return 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := syscall.Unlink(n.childHostPath(name)); err != nil {
		return gofuse.ToErrno(err)
	}
	n.root.emit(n.newOp(ctx, opcode.KindUnlink, n.childRelPath(name)))
	return 0
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	parent := newParent.EmbeddedInode()
	newHost := filepath.Join(n.root.options.SourceDir, parent.Path(nil), newName)
	newRel := common.JoinPath(common.NormalizePath(parent.Path(nil)), newName)

	if err := syscall.Rename(n.childHostPath(name), newHost); err != nil {
		return gofuse.ToErrno(err)
	}

	op := n.newOp(ctx, opcode.KindRename, n.childRelPath(name))
	op.NewPath = newRel
	stampPostState(&op, newHost)
	n.root.emit(op)
	return 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	host := n.childHostPath(name)
	if err := syscall.Symlink(target, host); err != nil {
		return nil, gofuse.ToErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(host, &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	op := n.newOp(ctx, opcode.KindSymlink, n.childRelPath(name))
	op.Target = target
	op.Bytes = []byte(target)
	stampPostState(&op, host)
	n.root.emit(op)

	child := n.NewInode(ctx, &node{root: n.root}, gofuse.StableAttr{
		Mode: st.Mode & syscall.S_IFMT,
		Ino:  st.Ino,
	})
	return child, 0
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	targetInode := target.EmbeddedInode()
	targetHost := filepath.Join(n.root.options.SourceDir, targetInode.Path(nil))
	host := n.childHostPath(name)

	if err := syscall.Link(targetHost, host); err != nil {
		return nil, gofuse.ToErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(host, &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	op := n.newOp(ctx, opcode.KindLink, n.childRelPath(name))
	op.Target = common.NormalizePath(targetInode.Path(nil))
	stampPostState(&op, host)
	n.root.emit(op)

	child := n.NewInode(ctx, &node{root: n.root}, gofuse.StableAttr{
		Mode: st.Mode & syscall.S_IFMT,
		Ino:  st.Ino,
	})
	return child, 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.hostPath(), &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return 0
}

// sliceDirStream implements gofuse.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}

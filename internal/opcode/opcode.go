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

// Package opcode defines the value type describing a single observed
// filesystem mutation, carried from the passthrough layer to the recorder.
package opcode

import (
	"sync/atomic"
	"time"
)

// Kind identifies the mutation an opcode describes.
type Kind uint8

const (
	KindCreate Kind = iota
	KindMkdir
	KindSymlink
	KindLink
	KindWrite
	KindTruncate
	KindRename
	KindUnlink
	KindRmdir
	KindChmod
	KindChown
	KindUtimens

	// KindDropped is an internal notice coalesced at the head of the queue
	// after one or more opcodes were rejected under backpressure. It is
	// never persisted as a version.
	KindDropped
)

var kindNames = [...]string{
	KindCreate:   "create",
	KindMkdir:    "mkdir",
	KindSymlink:  "symlink",
	KindLink:     "link",
	KindWrite:    "write",
	KindTruncate: "truncate",
	KindRename:   "rename",
	KindUnlink:   "unlink",
	KindRmdir:    "rmdir",
	KindChmod:    "chmod",
	KindChown:    "chown",
	KindUtimens:  "utimens",
	KindDropped:  "dropped",
}

// String returns the lowercase name stored in the versions table.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// KindFromString parses a lowercase operation name. Returns false for
// unknown names (including "dropped", which never reaches storage).
func KindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindDropped {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsDelete reports whether the kind removes its path (soft-retires the row).
func (k Kind) IsDelete() bool {
	return k == KindUnlink || k == KindRmdir
}

// IsCreate reports whether the kind brings a path into existence.
func (k Kind) IsCreate() bool {
	switch k {
	case KindCreate, KindMkdir, KindSymlink, KindLink:
		return true
	}
	return false
}

// CarriesPayload reports whether the kind has a content payload.
func (k Kind) CarriesPayload() bool {
	switch k {
	case KindWrite, KindSymlink, KindLink:
		return true
	}
	return false
}

// Caller holds the credentials of the process that triggered the mutation.
type Caller struct {
	UID uint32
	GID uint32
	PID uint32
}

// Opcode describes one filesystem mutation. Values are copyable; the Bytes
// buffer is owned by the opcode and handed over by move when enqueued, so
// producers must not retain it after Send.
type Opcode struct {
	Kind Kind

	// Path is the canonical relative path the mutation applies to.
	// For rename it is the source path.
	Path string

	// NewPath is the rename destination; empty for all other kinds.
	NewPath string

	// Target is the link target for symlink/link.
	Target string

	// Bytes carries exactly the range written (write), or the symlink
	// target bytes. Nil for kinds without a payload.
	Bytes []byte

	// Offset is the byte offset of a write within the file.
	Offset int64

	// FinalSize is the file's post-mutation length observed from the host
	// FS (write, truncate).
	FinalSize int64

	// Mode/UID/GID and the times below carry the post-operation state
	// captured from the host FS; for utimens the times are the
	// requested values. All times are epoch nanoseconds.
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64

	// Caller is the credential triple of the originating process.
	Caller Caller

	// Timestamp is the wall-clock time the mutation was observed,
	// epoch nanoseconds.
	Timestamp int64

	// Seq is the process-wide sequence number assigned atomically at
	// enqueue time. It is the authoritative commit order when timestamps
	// tie.
	Seq uint64

	// DroppedCount is only set on KindDropped notices.
	DroppedCount uint64
}

// PayloadSize returns the size of the opcode's byte payload.
func (op *Opcode) PayloadSize() int64 {
	return int64(len(op.Bytes))
}

// New returns an opcode of the given kind for path, stamped with the
// current wall clock. The sequence number is assigned later, at enqueue.
func New(kind Kind, path string) Opcode {
	return Opcode{
		Kind:      kind,
		Path:      path,
		Timestamp: time.Now().UnixNano(),
	}
}

// seqCounter is the process-wide sequence number generator (one of the two
// process singletons; the other is the queue's dropped-opcode counter).
var seqCounter atomic.Uint64

// NextSeq atomically allocates the next sequence number.
func NextSeq() uint64 {
	return seqCounter.Add(1)
}

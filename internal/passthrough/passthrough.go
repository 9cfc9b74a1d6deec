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

// Package passthrough implements the FUSE filesystem that mirrors a host
// directory while emitting an opcode for every mutation it performs.
package passthrough

import (
	"fmt"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"github.com/fluid-notion-systems/claris-fuse/internal/config"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
	"github.com/fluid-notion-systems/claris-fuse/internal/queue"
	"github.com/fluid-notion-systems/claris-fuse/internal/version"
)

// Options configures the passthrough mount.
type Options struct {
	// SourceDir is the host directory mirrored by the mount.
	SourceDir string

	// Mountpoint is where the filesystem is exposed.
	Mountpoint string

	// Queue receives one opcode per observed mutation, best effort.
	Queue *queue.Queue

	// SendTimeout bounds each enqueue; on timeout the host-FS effect
	// stands and the opcode is counted as dropped.
	SendTimeout time.Duration

	// Capture selects write granularity: config.CaptureCoalesce emits
	// one Write opcode per released handle, config.CaptureStream one
	// per write call.
	Capture string

	// Filter decides which relative paths are versioned. Nil versions
	// everything except the store's own artifacts.
	Filter version.PathFilter

	// ReadOnly mounts without write support.
	ReadOnly bool

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
}

// Mount mounts the passthrough filesystem. The caller must Unmount the
// returned server; the queue is left open so the recorder can drain.
func Mount(options Options) (*fuse.Server, error) {
	if options.SourceDir == "" {
		return nil, fmt.Errorf("source directory is required")
	}
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Queue == nil {
		return nil, fmt.Errorf("opcode queue is required")
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = queue.DefaultSendTimeout
	}
	if options.Capture == "" {
		options.Capture = config.CaptureCoalesce
	}
	if options.Filter == nil {
		options.Filter = BuildPathFilter(options.SourceDir)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	r := &root{options: &options}
	rootNode := &node{root: r}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	var mountFlags []string
	if options.ReadOnly {
		mountFlags = append(mountFlags, "ro")
	}

	server, err := gofuse.Mount(options.Mountpoint, rootNode, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "claris-fuse",
			Name:       "claris",
			AllowOther: options.AllowOther,
			Options:    mountFlags,
		},
		NullPermissions: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	log.Infof("[fuse] mounted %s at %s", options.SourceDir, options.Mountpoint)
	return server, nil
}

// root holds the state shared by every node of one mount.
type root struct {
	options *Options
}

// emit submits an opcode for a mutation that already succeeded on the
// host FS. Best effort: backpressure and shutdown never fail the FUSE
// reply; the queue accounts for drops and coalesces a notice.
func (r *root) emit(op opcode.Opcode) {
	if r.options.Filter != nil && !r.options.Filter(op.Path, op.Kind == opcode.KindMkdir || op.Kind == opcode.KindRmdir) {
		return
	}

	if err := r.options.Queue.Send(op, r.options.SendTimeout); err != nil {
		// Dropped under backpressure or during shutdown; the host-FS
		// effect stands either way.
		log.Debugf("[fuse] opcode %s %q not enqueued: %v", op.Kind, op.Path, err)
	}
}

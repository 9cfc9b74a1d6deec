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

// Package recorder runs the single long-running consumer that drains the
// opcode queue and commits versions through the version service.
package recorder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
	"github.com/fluid-notion-systems/claris-fuse/internal/queue"
	"github.com/fluid-notion-systems/claris-fuse/internal/util"
	"github.com/fluid-notion-systems/claris-fuse/internal/version"
)

// Status is the recorder's lifecycle state.
type Status int32

const (
	StatusRunning Status = iota
	StatusStalled        // blocked on a full backing store
	StatusFatal          // stopped on corruption
	StatusStopped        // drained and exited
)

const (
	// DefaultDrainGrace bounds the shutdown drain.
	DefaultDrainGrace = 5 * time.Second
	// probeInterval paces writable probes while stalled on StorageFull.
	probeInterval = 500 * time.Millisecond
)

// Stats is a snapshot of recorder telemetry.
type Stats struct {
	Committed uint64
	Failed    uint64
	Dropped   uint64
	QueueLen  int
}

// Recorder owns the consumer end of the queue. For every opcode it
// dequeues, exactly one version is committed or the failure is escalated;
// opcodes are never silently lost.
type Recorder struct {
	queue      *queue.Queue
	svc        *version.Service
	drainGrace time.Duration

	status    atomic.Int32
	committed atomic.Uint64
	failed    atomic.Uint64
}

// New builds a recorder draining q into svc. drainGrace <= 0 selects the
// default.
func New(q *queue.Queue, svc *version.Service, drainGrace time.Duration) *Recorder {
	if drainGrace <= 0 {
		drainGrace = DefaultDrainGrace
	}
	return &Recorder{queue: q, svc: svc, drainGrace: drainGrace}
}

// Status returns the recorder's current state.
func (r *Recorder) Status() Status {
	return Status(r.status.Load())
}

// Stats returns a telemetry snapshot.
func (r *Recorder) Stats() Stats {
	return Stats{
		Committed: r.committed.Load(),
		Failed:    r.failed.Load(),
		Dropped:   queue.Dropped(),
		QueueLen:  r.queue.Len(),
	}
}

// Run loops until the queue is closed and drained, or until corruption
// stops the recorder. Cancelling ctx triggers a bounded drain: remaining
// opcodes are committed up to the grace deadline, then logged and dropped.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.logShutdown()

	for {
		op, err := r.queue.Recv(ctx)
		switch {
		case errors.Is(err, common.ErrClosed):
			r.status.Store(int32(StatusStopped))
			return nil
		case errors.Is(err, common.ErrCancelled):
			return r.drain()
		case err != nil:
			return err
		}

		if err := r.handle(ctx, op); err != nil {
			return err
		}
	}
}

// drain closes the queue and commits what remains within the grace
// period. Unfinished opcodes are counted and logged.
func (r *Recorder) drain() error {
	r.queue.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), r.drainGrace)
	defer cancel()

	for {
		op, err := r.queue.Recv(drainCtx)
		if errors.Is(err, common.ErrClosed) {
			r.status.Store(int32(StatusStopped))
			return nil
		}
		if errors.Is(err, common.ErrCancelled) {
			left := r.queue.Len()
			if left > 0 {
				log.Warnf("[recorder] drain deadline reached, dropping %d opcode(s)", left)
			}
			r.status.Store(int32(StatusStopped))
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.handle(drainCtx, op); err != nil {
			return err
		}
	}
}

// handle commits one opcode, applying the failure policy: exponential
// backoff for transient errors, a writable-probe stall for a full store,
// and a fatal stop for corruption.
func (r *Recorder) handle(ctx context.Context, op opcode.Opcode) error {
	if op.Kind == opcode.KindDropped {
		log.Warnf("[recorder] %d opcode(s) were dropped under backpressure", op.DroppedCount)
		return nil
	}

	for {
		err := util.Retry(ctx,
			func() error {
				_, recordErr := r.svc.Record(ctx, op)
				return recordErr
			},
			append(util.RecorderRetryOptions(ctx), retry.RetryIf(isTransient))...)

		switch {
		case err == nil:
			r.committed.Add(1)
			return nil

		case errors.Is(err, common.ErrStorageFull):
			r.status.Store(int32(StatusStalled))
			log.Errorf("[recorder] backing store full; stalling (seq %d)", op.Seq)
			if probeErr := r.awaitWritable(ctx); probeErr != nil {
				return probeErr
			}
			r.status.Store(int32(StatusRunning))
			log.Infof("[recorder] backing store writable again; resuming")
			// retry the same opcode

		case errors.Is(err, common.ErrCorrupted):
			r.status.Store(int32(StatusFatal))
			log.Errorf("[recorder] database corrupted, stopping: %v", err)
			// Give in-flight producers a grace period before their sends
			// start failing with Closed.
			time.AfterFunc(r.drainGrace, r.queue.Close)
			return err

		default:
			// Escalate and move on; the host FS effect already happened,
			// silently losing the opcode is not an option.
			r.failed.Add(1)
			log.Errorf("[recorder] failed to record %s %q (seq %d): %v", op.Kind, op.Path, op.Seq, err)
			return nil
		}
	}
}

// awaitWritable blocks until a writable probe succeeds or ctx is done.
func (r *Recorder) awaitWritable(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.probe(ctx); err == nil {
				return nil
			}
		case <-ctx.Done():
			return common.ErrCancelled
		}
	}
}

func (r *Recorder) probe(ctx context.Context) error {
	return r.svc.Probe(ctx)
}

func (r *Recorder) logShutdown() {
	stats := r.Stats()
	log.Infof("[recorder] shutdown: %d committed, %d failed, %d dropped",
		stats.Committed, stats.Failed, stats.Dropped)
}

// isTransient reports whether an error is worth a backoff retry. Protocol
// errors and the policy-table conditions are handled by the caller.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, common.ErrCorrupted),
		errors.Is(err, common.ErrStorageFull),
		errors.Is(err, common.ErrExists),
		errors.Is(err, common.ErrInvalidArgument),
		errors.Is(err, common.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

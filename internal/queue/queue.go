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

// Package queue implements the bounded multi-producer single-consumer
// opcode channel between the passthrough filesystem and the recorder.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
)

const (
	// DefaultMaxOpcodes bounds the queue by item count.
	DefaultMaxOpcodes = 1024
	// DefaultMaxBytes bounds the queue by aggregate payload bytes (64 MiB).
	DefaultMaxBytes = 64 << 20
	// DefaultSendTimeout is the short timeout the filesystem path uses.
	DefaultSendTimeout = 50 * time.Millisecond
)

// dropped is the process-wide dropped-opcode counter.
var dropped atomic.Uint64

// Dropped returns the process-wide count of opcodes rejected under
// backpressure.
func Dropped() uint64 {
	return dropped.Load()
}

// CountDropped records a capture-side loss: an opcode the filesystem
// layer could not build at all, so it never reached Send.
func CountDropped() {
	dropped.Add(1)
}

// Queue is a bounded MPSC queue of opcodes. Capacity is limited by item
// count and by aggregate payload bytes, whichever is hit first. A queue
// holding only one opcode may exceed the byte budget so that a single
// oversized write is never unrecordable.
type Queue struct {
	mu       sync.Mutex
	items    []opcode.Opcode
	bytes    int64
	maxItems int
	maxBytes int64
	closed   bool

	// changed is closed and replaced whenever queue state changes;
	// waiters grab the current channel under the lock and select on it.
	changed chan struct{}

	// pendingDrops counts rejected opcodes awaiting a coalesced
	// KindDropped notice at the head of the queue.
	pendingDrops uint64
}

// New returns a queue bounded by maxItems opcodes and maxBytes aggregate
// payload. Zero values select the defaults.
func New(maxItems int, maxBytes int64) *Queue {
	if maxItems <= 0 {
		maxItems = DefaultMaxOpcodes
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Queue{
		maxItems: maxItems,
		maxBytes: maxBytes,
		changed:  make(chan struct{}),
	}
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) hasRoomLocked(payload int64) bool {
	if len(q.items) >= q.maxItems {
		return false
	}
	if len(q.items) == 0 {
		return true
	}
	return q.bytes+payload <= q.maxBytes
}

// Send enqueues op, blocking up to timeout when the queue is at capacity.
// The opcode's sequence number is assigned here, atomically with insertion,
// so the consumer observes opcodes in sequence order. On timeout the opcode
// is counted as dropped, common.ErrBackpressure is returned, and a single
// KindDropped notice will be coalesced at the head of the queue the next
// time there is room. After Close, Send returns common.ErrClosed.
func (q *Queue) Send(op opcode.Opcode, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	payload := op.PayloadSize()

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return common.ErrClosed
		}
		if q.hasRoomLocked(payload) {
			if q.pendingDrops > 0 {
				notice := opcode.New(opcode.KindDropped, "")
				notice.DroppedCount = q.pendingDrops
				notice.Seq = opcode.NextSeq()
				q.items = append([]opcode.Opcode{notice}, q.items...)
				q.pendingDrops = 0
			}
			op.Seq = opcode.NextSeq()
			q.items = append(q.items, op)
			q.bytes += payload
			q.signalLocked()
			q.mu.Unlock()
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.pendingDrops++
			dropped.Add(1)
			q.mu.Unlock()
			return common.ErrBackpressure
		}

		wait := q.changed
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
		q.mu.Lock()
	}
}

// Recv blocks until an opcode is available or the queue is closed and
// drained, in which case it returns common.ErrClosed to signal
// end-of-stream. Context cancellation returns common.ErrCancelled.
func (q *Queue) Recv(ctx context.Context) (opcode.Opcode, error) {
	q.mu.Lock()
	for {
		if len(q.items) > 0 {
			op := q.items[0]
			q.items = q.items[1:]
			q.bytes -= op.PayloadSize()
			q.signalLocked()
			q.mu.Unlock()
			return op, nil
		}
		if q.closed {
			q.mu.Unlock()
			return opcode.Opcode{}, common.ErrClosed
		}

		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return opcode.Opcode{}, common.ErrCancelled
		}
		q.mu.Lock()
	}
}

// Close shuts the queue down. Further Sends fail with common.ErrClosed;
// Recv drains the remaining items, then reports end-of-stream.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued opcodes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the aggregate payload bytes currently queued.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

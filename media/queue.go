// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import "context"

// FrameQueue passes audio chunks between the RTP goroutines and the
// conversation controller. Single producer, single consumer. Push never
// blocks, a full queue drops the chunk, late audio is worse than none.
//
// Inbound carries one 160 byte RTP payload per element. Outbound carries
// chunks of any size, the sender cuts them into frames itself.
type FrameQueue struct {
	ch chan []byte
}

func NewFrameQueue(size int) *FrameQueue {
	return &FrameQueue{ch: make(chan []byte, size)}
}

// Push enqueues a chunk without blocking. Reports false when the queue is
// full and the chunk was dropped.
func (q *FrameQueue) Push(chunk []byte) bool {
	select {
	case q.ch <- chunk:
		return true
	default:
		return false
	}
}

// Pop blocks until a chunk is available or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-q.ch:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryPop dequeues without blocking.
func (q *FrameQueue) TryPop() ([]byte, bool) {
	select {
	case chunk := <-q.ch:
		return chunk, true
	default:
		return nil, false
	}
}

func (q *FrameQueue) Len() int {
	return len(q.ch)
}

func (q *FrameQueue) Empty() bool {
	return len(q.ch) == 0
}

// Drain discards everything queued right now and reports how many chunks
// went away.
func (q *FrameQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

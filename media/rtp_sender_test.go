// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotarygpt/rotarygpt/audio"
)

// packetCollector parses everything written and remembers arrival times.
type packetCollector struct {
	mu      sync.Mutex
	packets []rtp.Packet
	times   []time.Time
}

func (c *packetCollector) WriteRTPRaw(data []byte) (int, error) {
	pkt := rtp.Packet{}
	if err := pkt.Unmarshal(append([]byte(nil), data...)); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.packets = append(c.packets, pkt)
	c.times = append(c.times, time.Now())
	c.mu.Unlock()
	return len(data), nil
}

func (c *packetCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *packetCollector) snapshot() ([]rtp.Packet, []time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtp.Packet(nil), c.packets...), append([]time.Time(nil), c.times...)
}

func startSender(t *testing.T, s *RTPSender) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("sender did not stop")
		}
	})
	return cancel, done
}

func TestRTPSenderFraming(t *testing.T) {
	collector := &packetCollector{}
	queue := NewFrameQueue(8)

	// 400 bytes leaves an 80 byte tail that must wait for the next chunk.
	queue.Push(bytes.Repeat([]byte{0x11}, 400))
	queue.Push(bytes.Repeat([]byte{0x22}, 240))

	s := NewRTPSender(collector, queue)
	startSender(t, s)

	require.Eventually(t, func() bool { return collector.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	packets, _ := collector.snapshot()
	require.Len(t, packets, 4, "tail below one frame must not be sent")

	for i, pkt := range packets {
		assert.EqualValues(t, 2, pkt.Header.Version)
		assert.EqualValues(t, PayloadTypeUlaw, pkt.Header.PayloadType)
		assert.Equal(t, s.SSRC, pkt.Header.SSRC)
		assert.Len(t, pkt.Payload, FrameSize)

		if i > 0 {
			assert.Equal(t, packets[i-1].Header.SequenceNumber+1, pkt.Header.SequenceNumber, "packet %d", i)
			assert.Equal(t, packets[i-1].Header.Timestamp+FrameSize, pkt.Header.Timestamp, "packet %d", i)
			assert.False(t, pkt.Header.Marker, "packet %d", i)
		} else {
			assert.True(t, pkt.Header.Marker, "first packet of a talkspurt carries the marker")
		}
	}

	// Chunk boundaries do not align with frame boundaries.
	assert.Equal(t, bytes.Repeat([]byte{0x11}, FrameSize), packets[1].Payload)
	wantMixed := append(bytes.Repeat([]byte{0x11}, 80), bytes.Repeat([]byte{0x22}, 80)...)
	assert.Equal(t, wantMixed, packets[2].Payload)
}

func TestRTPSenderTalkspurtMarker(t *testing.T) {
	collector := &packetCollector{}
	queue := NewFrameQueue(8)
	s := NewRTPSender(collector, queue)
	startSender(t, s)

	queue.Push(bytes.Repeat([]byte{0xFF}, FrameSize))
	require.Eventually(t, func() bool { return collector.count() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(talkspurtGap + 100*time.Millisecond)

	queue.Push(bytes.Repeat([]byte{0xFF}, FrameSize))
	require.Eventually(t, func() bool { return collector.count() == 2 }, time.Second, 5*time.Millisecond)

	packets, _ := collector.snapshot()
	assert.True(t, packets[0].Header.Marker)
	assert.True(t, packets[1].Header.Marker, "marker must reappear after idle gap")
	assert.Equal(t, packets[0].Header.SequenceNumber+1, packets[1].Header.SequenceNumber)
	assert.Equal(t, packets[0].Header.Timestamp+FrameSize, packets[1].Header.Timestamp)
}

func TestRTPSenderPacing(t *testing.T) {
	if testing.Short() {
		t.Skip("pacing test runs a full second of audio")
	}

	collector := &packetCollector{}
	queue := NewFrameQueue(8)

	// 50 frames in one chunk, one second of audio.
	queue.Push(bytes.Repeat([]byte{0xFF}, 50*FrameSize))

	s := NewRTPSender(collector, queue)
	startSender(t, s)

	require.Eventually(t, func() bool { return collector.count() == 50 }, 3*time.Second, 10*time.Millisecond)

	_, times := collector.snapshot()
	total := times[49].Sub(times[0])
	assert.InDelta(t, (49 * FrameDur).Seconds(), total.Seconds(), 0.15, "50 frames should take about a second")

	var deltas []float64
	for i := 1; i < len(times); i++ {
		deltas = append(deltas, times[i].Sub(times[i-1]).Seconds())
	}
	mean := 0.0
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))
	variance := 0.0
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(variance / float64(len(deltas)))
	assert.Less(t, stddev, 0.010, "inter-packet jitter")
}

func TestRTPSenderCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.wav")

	collector := &packetCollector{}
	queue := NewFrameQueue(8)
	queue.Push(bytes.Repeat([]byte{0xAB}, 2*FrameSize))

	s := NewRTPSender(collector, queue)
	s.CapturePath = path
	cancel, done := startSender(t, s)

	require.Eventually(t, func() bool { return collector.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	err := <-done
	done <- err // the startSender cleanup receives from done again

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, audio.StreamHeaderSize+2*FrameSize)
	assert.Equal(t, audio.StreamHeader(), data[:audio.StreamHeaderSize])
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 2*FrameSize), data[audio.StreamHeaderSize:])
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"math/rand"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rotarygpt/rotarygpt/audio"
)

// talkspurtGap is the outbound idle time after which the next packet opens
// a new talkspurt and carries the RTP marker bit.
const talkspurtGap = time.Second

// RTPSender packetizes outbound ulaw and paces it onto the wire, one frame
// every 20ms. It creates SSRC as identifier and all packets sent will be
// with this SSRC. Chunks dequeued from the outbound queue can have any
// size, a leftover tail below one frame waits for the next chunk.
//
// Pacing busy-waits on the monotonic clock between frames. That burns most
// of a core while audio is flowing, and is what keeps jitter far below what
// timer sleeps can do on a loaded host. When a frame overruns its slot the
// deficit carries into the next slot instead of being absorbed.
type RTPSender struct {
	writer RTPWriterRaw
	queue  *FrameQueue

	// CapturePath, when set, receives a WAV copy of everything sent. The
	// file is created on Run and closed when the sender exits.
	CapturePath string

	// This properties are read only or can be changed only after creating sender
	PayloadType uint8
	SSRC        uint32

	// Internals
	seq       uint16
	timestamp uint32
	marker    bool
	pending   []byte
	active    bool
	next      time.Time
	capture   *audio.CaptureWriter

	log zerolog.Logger
}

func NewRTPSender(writer RTPWriterRaw, queue *FrameQueue) *RTPSender {
	return &RTPSender{
		writer:      writer,
		queue:       queue,
		PayloadType: PayloadTypeUlaw,
		SSRC:        rand.Uint32(),
		seq:         uint16(rand.Uint32()),
		timestamp:   rand.Uint32(),
		log:         log.With().Str("caller", "media").Logger(),
	}
}

// Run drains the outbound queue until ctx is done. Blocking on an empty
// queue costs nothing, the busy-wait only runs between frames of a burst.
func (s *RTPSender) Run(ctx context.Context) error {
	if s.CapturePath != "" {
		w, err := audio.OpenCapture(s.CapturePath)
		if err != nil {
			s.log.Error().Err(err).Str("path", s.CapturePath).Msg("Cannot open conversation capture")
		} else {
			s.capture = w
			defer func() {
				s.capture.Close()
				s.capture = nil
			}()
		}
	}

	for {
		chunk, err := s.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		s.pending = append(s.pending, chunk...)

		now := time.Now()
		if !s.active || now.Sub(s.next) > talkspurtGap {
			s.marker = true
			s.next = now
			s.active = true
		}

		for len(s.pending) >= FrameSize && ctx.Err() == nil {
			if err := s.writeFrame(s.pending[:FrameSize:FrameSize]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			s.pending = s.pending[FrameSize:]

			s.next = s.next.Add(FrameDur)
			for time.Now().Before(s.next) {
			}
		}
	}
}

func (s *RTPSender) writeFrame(payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.marker,
			PayloadType:    s.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.SSRC,
		},
		Payload: payload,
	}
	logRTPPacket(s.log, "write", &pkt)

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.writer.WriteRTPRaw(data); err != nil {
		return err
	}

	s.seq++
	s.timestamp += FrameSize
	s.marker = false

	if s.capture != nil {
		if _, err := s.capture.Write(payload); err != nil {
			s.log.Warn().Err(err).Msg("Conversation capture write failed, closing capture")
			s.capture.Close()
			s.capture = nil
		}
	}
	return nil
}

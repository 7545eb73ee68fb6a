// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RTPReceiver reads RTP from the wire and feeds bare ulaw payloads into the
// inbound queue. Header fields are not inspected beyond what parsing needs,
// the upstream PBX is trusted on payload type and ordering.
type RTPReceiver struct {
	reader RTPReaderRaw
	queue  *FrameQueue

	// LastHeader is stored after every parsed packet.
	// Safe to read only after Run returned.
	LastHeader rtp.Header

	log zerolog.Logger
}

func NewRTPReceiver(reader RTPReaderRaw, queue *FrameQueue) *RTPReceiver {
	return &RTPReceiver{
		reader: reader,
		queue:  queue,
		log:    log.With().Str("caller", "media").Logger(),
	}
}

// Run polls the socket until ctx is done. Read deadlines keep the loop
// responsive to shutdown within pollInterval. Malformed and empty packets
// are dropped, a full queue drops too. Socket errors end the loop.
func (r *RTPReceiver) Run(ctx context.Context) error {
	buf := make([]byte, RTPMTU)
	pkt := rtp.Packet{}

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := r.reader.ReadRTPRawDeadline(buf, time.Now().Add(pollInterval))
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.log.Debug().Err(err).Int("size", n).Msg("Dropping malformed RTP packet")
			continue
		}
		logRTPPacket(r.log, "read", &pkt)
		r.LastHeader = pkt.Header

		if len(pkt.Payload) == 0 {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		if !r.queue.Push(payload) {
			r.log.Debug().Msg("Inbound queue full, dropping frame")
		}
	}
}

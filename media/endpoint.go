// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// FrameSize is one packet worth of ulaw, 20ms at 8kHz. One byte is one
	// sample, so the RTP timestamp also advances by FrameSize per packet.
	FrameSize = 160
	// FrameDur is the wall clock length of one frame.
	FrameDur = 20 * time.Millisecond

	RTPHeaderSize = 12
	// RTPMTU fits one header plus one frame. The upstream PBX never sends
	// more than that.
	RTPMTU = RTPHeaderSize + FrameSize

	PayloadTypeUlaw = 0
	SampleRateUlaw  = 8000

	// pollInterval bounds how long a blocking read may go without checking
	// for shutdown.
	pollInterval = 200 * time.Millisecond
)

var (
	// RTPDebug dumps every packet read and written. Painfully verbose, 50
	// packets per second per direction.
	RTPDebug = false
)

type RTPReaderRaw interface {
	ReadRTPRawDeadline(buf []byte, t time.Time) (int, error)
}

type RTPWriterRaw interface {
	WriteRTPRaw(buf []byte) (int, error) // -> io.Writer
}

func logRTPPacket(log zerolog.Logger, dir string, p *rtp.Packet) {
	if RTPDebug {
		log.Debug().Msg(fmt.Sprintf("RTP %s:\n%s", dir, p.String()))
	}
}

// Endpoint is the single UDP socket a call sends and receives RTP on. Both
// directions share it, which keeps the 5-tuple symmetric and NAT mappings
// alive.
//
// Design:
// - It identifies single session Laddr <-> Raddr
// - Receiver and sender run on separate goroutines but never concurrently
//   read or write the same direction
type Endpoint struct {
	// Laddr our local address which has full IP and port after Init
	Laddr net.UDPAddr

	// Raddr is our target remote address, resolved from SIP and SDP.
	// Checkout SetRemoteAddr
	Raddr net.UDPAddr

	rtpConn net.PacketConn

	log zerolog.Logger
}

func NewEndpoint(ip net.IP, port int) (*Endpoint, error) {
	e := &Endpoint{
		log: log.With().Str("caller", "media").Logger(),
	}
	e.Laddr.IP = ip
	e.Laddr.Port = port

	return e, e.Init()
}

// Init binds the socket. It is idempotent, a bound endpoint stays as is.
// Use NewEndpoint for default building.
func (e *Endpoint) Init() error {
	if e.rtpConn != nil {
		return nil
	}

	if e.Laddr.IP == nil {
		return fmt.Errorf("media endpoint: local addr must be set")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: e.Laddr.IP, Port: e.Laddr.Port})
	if err != nil {
		return err
	}
	e.rtpConn = conn

	// Update laddr as it can be empheral
	e.Laddr = *conn.LocalAddr().(*net.UDPAddr)
	return nil
}

// SetRemoteAddr is helper to set Raddr.
// It is not thread safe
func (e *Endpoint) SetRemoteAddr(raddr *net.UDPAddr) {
	e.Raddr = *raddr
}

// Close unblocks any goroutine stuck in a read or write on the socket.
// Closing twice is fine.
func (e *Endpoint) Close() error {
	if e.rtpConn == nil {
		return nil
	}
	if err := e.rtpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (e *Endpoint) ReadRTPRaw(buf []byte) (int, error) {
	n, _, err := e.rtpConn.ReadFrom(buf)
	return n, err
}

func (e *Endpoint) ReadRTPRawDeadline(buf []byte, t time.Time) (int, error) {
	e.rtpConn.SetReadDeadline(t)
	return e.ReadRTPRaw(buf)
}

func (e *Endpoint) WriteRTPRaw(data []byte) (n int, err error) {
	n, err = e.rtpConn.WriteTo(data, &e.Raddr)
	return
}

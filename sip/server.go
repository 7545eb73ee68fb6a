// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sip

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// pollInterval bounds how long the serve loop may block without checking
// for shutdown.
const pollInterval = 200 * time.Millisecond

// CallHandler gets the call lifecycle events. Both methods run on the SIP
// goroutine, between datagrams, so they must return quickly.
type CallHandler interface {
	// OnIncomingCall fires after an INVITE was answered. peer is the
	// signaling source address, rtpPort the audio port from the SDP offer.
	OnIncomingCall(peer net.IP, rtpPort int)
	// OnCallEnded fires after a BYE for the active call was answered.
	OnCallEnded()
}

// Server is a single line SIP answering machine. It speaks just enough SIP
// to take a call from the house PBX and hang up again: INVITE and BYE over
// UDP, no transaction layer, no authentication, no re-INVITE. Responses
// echo the dialog headers of the request byte for byte, which is all the
// PBX checks.
//
// One call at a time. An INVITE while busy and a BYE while idle are
// dropped without any response, the PBX retransmits on its own schedule.
type Server struct {
	addr    string
	rtpPort int
	handler CallHandler

	conn *net.UDPConn

	// Dialog state, touched only on the serve goroutine.
	inCall bool
	callID string

	log zerolog.Logger
}

// NewServer creates the server. rtpPort is advertised in SDP answers and
// must match where the media endpoint listens.
func NewServer(addr string, rtpPort int, handler CallHandler) *Server {
	return &Server{
		addr:    addr,
		rtpPort: rtpPort,
		handler: handler,
		log:     log.With().Str("caller", "sip").Logger(),
	}
}

// Listen binds the signaling socket. Idempotent.
func (s *Server) Listen() error {
	if s.conn != nil {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.log.Info().Str("addr", conn.LocalAddr().String()).Msg("SIP listening")
	return nil
}

// LocalAddr returns the bound address. Only valid after Listen.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is done. Each datagram is one request,
// responses go straight back to the datagram source. Socket errors other
// than deadline expiry end the loop.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer func() {
		s.conn.Close()
		s.conn = nil
	}()

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, src, err := s.conn.ReadFromUDP(buf)
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

		req, err := ParseRequest(buf[:n], src)
		if err != nil {
			s.log.Debug().Err(err).Str("src", src.String()).Msg("Dropping unparseable datagram")
			continue
		}

		switch req.Method {
		case "INVITE":
			s.handleInvite(req)
		case "BYE":
			s.handleBye(req)
		default:
			s.log.Debug().Str("method", req.Method).Msg("Ignoring request")
		}
	}
}

func (s *Server) handleInvite(req *Request) {
	if s.inCall {
		s.log.Info().Str("call_id", req.CallID()).Msg("INVITE while busy, dropping")
		return
	}

	resp := s.answerOK(req, true)
	if !s.send(resp, req.Source) {
		return
	}
	s.inCall = true
	s.callID = req.CallID()
	s.log.Info().Str("call_id", s.callID).Str("peer", req.Source.String()).Msg("Call established")

	rtpPort, ok := ExtractAudioPort(req.Body)
	if !ok {
		s.log.Warn().Msg("SDP offer carries no audio port, media will not start")
		return
	}
	if s.handler != nil {
		s.handler.OnIncomingCall(req.Source.IP, rtpPort)
	}
}

func (s *Server) handleBye(req *Request) {
	if !s.inCall {
		s.log.Info().Str("call_id", req.CallID()).Msg("BYE while idle, dropping")
		return
	}
	if id := req.CallID(); id != s.callID {
		s.log.Info().Str("call_id", id).Msg("BYE for foreign call, dropping")
		return
	}

	resp := s.answerOK(req, false)
	if !s.send(resp, req.Source) {
		return
	}
	s.inCall = false
	s.callID = ""
	s.log.Info().Str("call_id", req.CallID()).Msg("Call ended")

	if s.handler != nil {
		s.handler.OnCallEnded()
	}
}

// answerOK builds a 200 with the dialog headers copied back verbatim. Our
// Contact repeats the To header, the PBX routes the BYE there. INVITE
// answers additionally carry the SDP.
func (s *Server) answerOK(req *Request, withSDP bool) *Response {
	resp := NewResponse(200, "OK")
	for _, name := range []string{"Via", "To", "From"} {
		if v, ok := req.Header(name); ok {
			resp.AppendHeader(name, v)
		}
	}
	if to, ok := req.Header("To"); ok {
		resp.AppendHeader("Contact", to)
	}
	for _, name := range []string{"Call-ID", "CSeq"} {
		if v, ok := req.Header(name); ok {
			resp.AppendHeader(name, v)
		}
	}

	if withSDP {
		resp.AppendHeader("Content-Type", "application/sdp")

		to, _ := req.Header("To")
		host, ok := ExtractHost(to)
		if !ok {
			host = s.LocalAddr().IP.String()
			s.log.Warn().Str("to", to).Str("host", host).Msg("No host in To header, answering with local address")
		}
		resp.Body = AnswerSDP(host, s.rtpPort)
	}
	return resp
}

func (s *Server) send(resp *Response, dst *net.UDPAddr) bool {
	if _, err := s.conn.WriteToUDP(resp.Bytes(), dst); err != nil {
		s.log.Error().Err(err).Str("dst", dst.String()).Msg("Cannot send response")
		return false
	}
	return true
}

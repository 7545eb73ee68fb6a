// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package rotarygpt answers phone calls with a voice agent. The SIP layer
// signals call boundaries, an RTP pair moves ulaw audio over a shared UDP
// socket, and a conversation loop in between listens, transcribes, asks
// the model and speaks the reply.
package rotarygpt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rotarygpt/rotarygpt/aws"
	"github.com/rotarygpt/rotarygpt/functions"
	"github.com/rotarygpt/rotarygpt/media"
	"github.com/rotarygpt/rotarygpt/openai"
	"github.com/rotarygpt/rotarygpt/sip"
)

const (
	// inQueueSize buffers about five seconds of inbound frames.
	inQueueSize = 256
	// outQueueSize holds a long synthesized reply without dropping.
	outQueueSize = 1024
)

// AgentConfig wires an Agent. All service fields are required.
type AgentConfig struct {
	STT      Transcriber
	LLM      Completer
	TTS      Synthesizer
	Registry *functions.Registry
	Voice    *aws.VoiceSetting
	Clips    Clips

	// RTPIP and RTPPort are the local bind of the media socket. The port
	// must match what the SIP answer advertises.
	RTPIP   net.IP
	RTPPort int

	// CapturePath records outbound speech as WAV, empty disables it.
	CapturePath string

	// WaitSpeakerDelay for conversations, zero keeps the default.
	WaitSpeakerDelay time.Duration
}

// Agent runs one call at a time. It implements sip.CallHandler, the SIP
// server guarantees callbacks never overlap.
type Agent struct {
	cfg AgentConfig
	log zerolog.Logger

	mu   sync.Mutex
	call *activeCall
}

type activeCall struct {
	cancel   context.CancelFunc
	endpoint *media.Endpoint
	wg       sync.WaitGroup
}

var _ sip.CallHandler = (*Agent)(nil)

func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{
		cfg: cfg,
		log: log.With().Str("caller", "rotarygpt").Logger(),
	}
}

// OnIncomingCall binds the media socket and starts the RTP pair and the
// conversation for a freshly answered call.
func (a *Agent) OnIncomingCall(peer net.IP, rtpPort int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.call != nil {
		a.log.Warn().Msg("Previous call still up, tearing it down first")
		a.teardownLocked()
	}

	ep, err := media.NewEndpoint(a.cfg.RTPIP, a.cfg.RTPPort)
	if err != nil {
		a.log.Error().Err(err).Msg("Cannot bind media endpoint")
		return
	}
	ep.SetRemoteAddr(&net.UDPAddr{IP: peer, Port: rtpPort})

	in := media.NewFrameQueue(inQueueSize)
	out := media.NewFrameQueue(outQueueSize)

	receiver := media.NewRTPReceiver(ep, in)
	sender := media.NewRTPSender(ep, out)
	sender.CapturePath = a.cfg.CapturePath

	conv := NewConversation(in, out, ConversationConfig{
		STT:              a.cfg.STT,
		LLM:              a.cfg.LLM,
		TTS:              a.cfg.TTS,
		Registry:         a.cfg.Registry,
		Voice:            a.cfg.Voice,
		Clips:            a.cfg.Clips,
		WaitSpeakerDelay: a.cfg.WaitSpeakerDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	call := &activeCall{cancel: cancel, endpoint: ep}
	a.call = call

	a.log.Info().Str("peer", peer.String()).Int("port", rtpPort).Msg("Call started")

	call.wg.Add(3)
	go func() {
		defer call.wg.Done()
		if err := receiver.Run(ctx); err != nil {
			a.log.Error().Err(err).Msg("RTP receiver failed")
		}
	}()
	go func() {
		defer call.wg.Done()
		if err := sender.Run(ctx); err != nil {
			a.log.Error().Err(err).Msg("RTP sender failed")
		}
	}()
	go func() {
		defer call.wg.Done()
		if err := conv.Run(ctx); err != nil {
			// The error prompt is queued at this point. The queue empties
			// the moment the sender dequeues it, so playout needs its own
			// grace period before the media goes away.
			grace := time.Duration(len(a.cfg.Clips.Error)/8+50) * time.Millisecond
			select {
			case <-ctx.Done():
			case <-time.After(grace):
			}
			cancel()
		}
	}()
}

// OnCallEnded tears the active call down. Also the path for a process
// level shutdown.
func (a *Agent) OnCallEnded() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked()
}

// Shutdown ends an in-progress call the same way a BYE would.
func (a *Agent) Shutdown() {
	a.OnCallEnded()
}

func (a *Agent) teardownLocked() {
	if a.call == nil {
		return
	}
	a.call.cancel()
	a.call.endpoint.Close()
	a.call.wg.Wait()
	a.call = nil
	a.log.Info().Msg("Call ended")
}

// WhisperTranscriber adapts the concrete transcription client to the
// Transcriber capability.
type WhisperTranscriber struct {
	Client *openai.WhisperClient
}

func (w WhisperTranscriber) StartTranscription(ctx context.Context) (TranscriptionSession, error) {
	s, err := w.Client.StartTranscription(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// PollySynthesizer adapts the concrete synthesis client to the Synthesizer
// capability.
type PollySynthesizer struct {
	Client *aws.PollyClient
}

func (p PollySynthesizer) Synthesize(ctx context.Context, text string) (SpeechStream, error) {
	s, err := p.Client.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return s, nil
}

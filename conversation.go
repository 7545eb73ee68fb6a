// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package rotarygpt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rotarygpt/rotarygpt/audio"
	"github.com/rotarygpt/rotarygpt/aws"
	"github.com/rotarygpt/rotarygpt/functions"
	"github.com/rotarygpt/rotarygpt/media"
	"github.com/rotarygpt/rotarygpt/openai"
)

const (
	// waitSpeakerDelay is how long a turn may stay inaudible before the
	// hold prompt is played.
	waitSpeakerDelay = 4 * time.Second
	// drainPoll paces the wait for the outbound queue to empty, one frame
	// time per check.
	drainPoll = 20 * time.Millisecond
)

// TranscriptionSession is one live speech to text upload.
type TranscriptionSession interface {
	// AddAudio forwards one ulaw chunk. Chunks after Finish are dropped.
	AddAudio(chunk []byte)
	// Finish closes the upload and waits for the transcript.
	Finish(ctx context.Context) (string, error)
	// Discard aborts the upload without reading a transcript.
	Discard()
}

// Transcriber opens transcription sessions.
type Transcriber interface {
	StartTranscription(ctx context.Context) (TranscriptionSession, error)
}

// Completer produces the next assistant message for a conversation log.
type Completer interface {
	Complete(ctx context.Context, items []openai.Message, funcs []functions.Schema) (openai.Message, error)
}

// SpeechStream delivers synthesized linear PCM chunk by chunk. Err is
// valid once the chunk channel closed.
type SpeechStream interface {
	Chunks() <-chan []byte
	Err() error
}

// Synthesizer turns text into speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (SpeechStream, error)
}

// Clips are the canned ulaw prompts played outside of synthesis.
type Clips struct {
	Greeting  []byte
	OneSecond []byte
	Error     []byte
}

// LoadClips reads the three prompt clips from dir.
func LoadClips(dir string) (Clips, error) {
	var clips Clips
	var err error
	if clips.Greeting, err = audio.LoadClip(dir, "greeting"); err != nil {
		return Clips{}, err
	}
	if clips.OneSecond, err = audio.LoadClip(dir, "one-second"); err != nil {
		return Clips{}, err
	}
	if clips.Error, err = audio.LoadClip(dir, "error-message"); err != nil {
		return Clips{}, err
	}
	return clips, nil
}

// ConversationConfig carries the dependencies of one call's conversation.
// All service fields are required.
type ConversationConfig struct {
	STT      Transcriber
	LLM      Completer
	TTS      Synthesizer
	Registry *functions.Registry
	// Voice is reset to its configured default when the conversation
	// starts, an accent change never outlives its call.
	Voice *aws.VoiceSetting
	Clips Clips
	// WaitSpeakerDelay overrides the hold prompt delay. Zero keeps the
	// default of 4s.
	WaitSpeakerDelay time.Duration
}

// Conversation drives one call: listen until the caller goes quiet,
// transcribe, think, speak, repeat. It owns the conversation log; the RTP
// pair on the other side of the queues only ever sees opaque audio.
type Conversation struct {
	in  *media.FrameQueue
	out *media.FrameQueue

	stt      Transcriber
	llm      Completer
	tts      Synthesizer
	registry *functions.Registry
	voice    *aws.VoiceSetting
	clips    Clips

	waitSpeakerDelay time.Duration
	detector         *audio.SilenceDetector

	// The hold prompt goroutine appends to the log concurrently with the
	// turn, items must stay behind the mutex.
	mu    sync.Mutex
	items []openai.Message

	log zerolog.Logger
}

func NewConversation(in, out *media.FrameQueue, cfg ConversationConfig) *Conversation {
	delay := cfg.WaitSpeakerDelay
	if delay == 0 {
		delay = waitSpeakerDelay
	}
	return &Conversation{
		in:               in,
		out:              out,
		stt:              cfg.STT,
		llm:              cfg.LLM,
		tts:              cfg.TTS,
		registry:         cfg.Registry,
		voice:            cfg.Voice,
		clips:            cfg.Clips,
		waitSpeakerDelay: delay,
		detector:         audio.NewSilenceDetector(),
		log:              log.With().Str("caller", "rotarygpt").Logger(),
	}
}

// Run drives turns until ctx is canceled or a turn fails. Cancellation is
// a clean exit. Any other error has been announced to the caller with the
// error prompt by the time Run returns.
func (c *Conversation) Run(ctx context.Context) error {
	c.log.Info().Msg("Conversation started")
	defer c.log.Info().Msg("Conversation ended")

	c.voice.Reset()
	c.greet()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.turn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return nil
		default:
			c.log.Error().Err(err).Msg("Conversation failed")
			c.playClip(c.clips.Error)
			return err
		}
	}
}

func (c *Conversation) turn(ctx context.Context) error {
	c.log.Debug().Msg("Starting transcription")
	session, err := c.stt.StartTranscription(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// The turn runs on without a transcript, the model still gets
		// a chance to say something.
		c.log.Warn().Err(err).Msg("Transcription unavailable for this turn")
		session = nil
	}
	defer func() {
		if session != nil {
			session.Discard()
		}
	}()

	if err := c.receiveAudio(ctx, session); err != nil {
		return err
	}
	c.log.Debug().Msg("Silence detected")

	arrived := c.startWaitSpeaker(ctx)
	defer arrived()

	var text string
	if session != nil {
		c.log.Debug().Msg("Finishing transcription")
		text, err = session.Finish(ctx)
		session = nil
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.log.Warn().Err(err).Msg("Transcription failed, the turn has no transcript")
			text = ""
		}
	}
	if text != "" {
		c.append(openai.UserMessage(text))
		c.log.Info().Str("text", text).Msg("User message")
	}

	reply, err := c.nextReply(ctx)
	if err != nil {
		return err
	}

	if err := c.speak(ctx, reply, arrived); err != nil {
		return err
	}

	// Wait until the sender has played the whole reply, the next
	// transcription must not hear our own voice.
	if err := c.awaitQuiet(ctx); err != nil {
		return err
	}

	c.in.Drain()
	c.detector.ResetLatch()
	return nil
}

// receiveAudio forwards caller frames into the transcription and the
// silence detector until the caller stops talking. Frames arriving while
// our own audio is still queued are dropped, the line echoes the agent's
// voice back.
func (c *Conversation) receiveAudio(ctx context.Context, session TranscriptionSession) error {
	c.log.Debug().Msg("Receiving audio")
	for {
		chunk, err := c.in.Pop(ctx)
		if err != nil {
			return err
		}
		if !c.out.Empty() {
			continue
		}
		if session != nil {
			session.AddAudio(chunk)
		}
		if c.detector.Push(chunk) {
			return nil
		}
	}
}

// nextReply runs the model until it produces a spoken reply, dispatching
// tool calls along the way.
func (c *Conversation) nextReply(ctx context.Context) (string, error) {
	for {
		c.log.Debug().Msg("Requesting chat completion")
		reply, err := c.llm.Complete(ctx, c.history(), c.registry.Schemas())
		if err != nil {
			return "", err
		}
		c.append(reply)

		if reply.FunctionCall == nil {
			c.log.Info().Str("text", reply.Content).Msg("Agent message")
			return reply.Content, nil
		}

		call := reply.FunctionCall
		c.log.Info().Str("function", call.Name).Str("arguments", call.Arguments).Msg("Function call")

		args, err := parseArguments(call.Arguments)
		if err != nil {
			return "", fmt.Errorf("function call arguments: %w", err)
		}
		c.append(openai.FunctionResult(call.Name, c.registry.Call(call.Name, args)))
	}
}

// parseArguments decodes the model's JSON argument blob. An empty blob is
// an empty argument set.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// speak synthesizes text and queues it for the caller as ulaw. arrived is
// signaled on the first audio chunk so the hold prompt stands down.
func (c *Conversation) speak(ctx context.Context, text string, arrived func()) error {
	c.log.Debug().Msg("Requesting speech synthesis")
	stream, err := c.tts.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	for chunk := range stream.Chunks() {
		arrived()
		c.out.Push(audio.EncodeUlaw(chunk))
	}
	if err := stream.Err(); err != nil {
		return err
	}
	c.log.Debug().Msg("Speech fully synthesized, waiting for playout")
	return nil
}

func (c *Conversation) awaitQuiet(ctx context.Context) error {
	for !c.out.Empty() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
	c.log.Debug().Msg("Outbound audio drained")
	return nil
}

func (c *Conversation) greet() {
	c.log.Debug().Msg("Sending greeting")
	c.playClip(c.clips.Greeting)
	c.append(openai.AssistantMessage("Hallo. How can I help?"))
}

// playClip pushes a whole prompt clip as a single outbound chunk, the
// sender frames it.
func (c *Conversation) playClip(clip []byte) {
	if len(clip) == 0 {
		return
	}
	if !c.out.Push(clip) {
		c.log.Warn().Msg("Outbound queue full, dropping prompt clip")
	}
}

// startWaitSpeaker arms the hold prompt for one turn. The returned
// function stands the watchdog down; the first call wins, later calls are
// no-ops, so it is safe to call once per synthesis chunk and again when
// the turn unwinds.
func (c *Conversation) startWaitSpeaker(ctx context.Context) func() {
	ch := make(chan struct{})
	var once sync.Once
	arrived := func() { once.Do(func() { close(ch) }) }

	go func() {
		select {
		case <-ch:
			return
		case <-ctx.Done():
			return
		case <-time.After(c.waitSpeakerDelay):
		}
		c.log.Info().Dur("waited", c.waitSpeakerDelay).Msg("Response is taking too long, playing hold prompt")
		c.playClip(c.clips.OneSecond)
		c.append(openai.AssistantMessage("One second, bitte."))
	}()
	return arrived
}

func (c *Conversation) append(m openai.Message) {
	c.mu.Lock()
	c.items = append(c.items, m)
	c.mu.Unlock()
}

// history snapshots the conversation log, the model must see a stable
// slice.
func (c *Conversation) history() []openai.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]openai.Message, len(c.items))
	copy(items, c.items)
	return items
}

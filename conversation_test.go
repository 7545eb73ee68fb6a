// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package rotarygpt

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotarygpt/rotarygpt/audio"
	"github.com/rotarygpt/rotarygpt/aws"
	"github.com/rotarygpt/rotarygpt/functions"
	"github.com/rotarygpt/rotarygpt/media"
	"github.com/rotarygpt/rotarygpt/openai"
)

const frameSamples = 160

func quietFrame() []byte {
	frame := make([]byte, frameSamples)
	for i := range frame {
		s := int16(40)
		if i%2 == 1 {
			s = -40
		}
		frame[i] = audio.EncodeUlawSample(s)
	}
	return frame
}

func toneFrame() []byte {
	frame := make([]byte, frameSamples)
	for i := range frame {
		s := 8000 * math.Sin(2*math.Pi*float64(i)/8)
		frame[i] = audio.EncodeUlawSample(int16(s))
	}
	return frame
}

// callerBurst is one spoken utterance: quiet to cover detector warmup and
// calibration, a second of tone, then enough quiet to trip the silence
// event.
func callerBurst() [][]byte {
	var frames [][]byte
	for i := 0; i < 70; i++ {
		frames = append(frames, quietFrame())
	}
	for i := 0; i < 50; i++ {
		frames = append(frames, toneFrame())
	}
	for i := 0; i < 40; i++ {
		frames = append(frames, quietFrame())
	}
	return frames
}

type fakeSession struct {
	mu        sync.Mutex
	text      string
	err       error
	chunks    int
	finished  bool
	discarded bool
}

func (s *fakeSession) AddAudio(chunk []byte) {
	s.mu.Lock()
	s.chunks++
	s.mu.Unlock()
}

func (s *fakeSession) Finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return s.text, s.err
}

func (s *fakeSession) Discard() {
	s.mu.Lock()
	s.discarded = true
	s.mu.Unlock()
}

type fakeSTT struct {
	mu       sync.Mutex
	texts    []string
	startErr error
	sessions []*fakeSession
}

func (f *fakeSTT) StartTranscription(ctx context.Context) (TranscriptionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	s := &fakeSession{}
	if len(f.texts) > 0 {
		s.text = f.texts[0]
		f.texts = f.texts[1:]
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

type fakeLLM struct {
	mu        sync.Mutex
	replies   []openai.Message
	err       error
	delay     time.Duration
	histories [][]openai.Message
	schemas   [][]functions.Schema
}

func (f *fakeLLM) Complete(ctx context.Context, items []openai.Message, funcs []functions.Schema) (openai.Message, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return openai.Message{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	f.histories = append(f.histories, items)
	f.schemas = append(f.schemas, funcs)
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return openai.Message{}, err
	}
	if len(f.replies) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return openai.Message{}, ctx.Err()
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	f.mu.Unlock()
	return reply, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

type fakeStream struct {
	ch  chan []byte
	err error
}

func (s *fakeStream) Chunks() <-chan []byte { return s.ch }
func (s *fakeStream) Err() error            { return s.err }

type fakeTTS struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	texts  []string
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (SpeechStream, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st := &fakeStream{ch: make(chan []byte, len(f.chunks)+1)}
	for _, c := range f.chunks {
		st.ch <- c
	}
	close(st.ch)
	return st, nil
}

func (f *fakeTTS) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type playRecorder struct {
	mu     sync.Mutex
	played [][]byte
}

func (r *playRecorder) add(chunk []byte) {
	r.mu.Lock()
	r.played = append(r.played, chunk)
	r.mu.Unlock()
}

func (r *playRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.played...)
}

func (r *playRecorder) count(chunk []byte) int {
	n := 0
	for _, p := range r.snapshot() {
		if bytes.Equal(p, chunk) {
			n++
		}
	}
	return n
}

func (r *playRecorder) contains(chunk []byte) bool {
	return r.count(chunk) > 0
}

// drainOutbound consumes the outbound queue like the RTP sender would and
// records every chunk.
func drainOutbound(ctx context.Context, out *media.FrameQueue) *playRecorder {
	rec := &playRecorder{}
	go func() {
		for {
			chunk, err := out.Pop(ctx)
			if err != nil {
				return
			}
			rec.add(chunk)
		}
	}()
	return rec
}

func TestConversationGreets(t *testing.T) {
	in := media.NewFrameQueue(8)
	out := media.NewFrameQueue(8)
	greeting := []byte{0xFF, 0xFE, 0xFD}
	voice := aws.NewVoiceSetting("Vicki")
	voice.Set("Olivia")

	conv := NewConversation(in, out, ConversationConfig{
		STT:      &fakeSTT{},
		LLM:      &fakeLLM{},
		TTS:      &fakeTTS{},
		Registry: functions.NewRegistry(),
		Voice:    voice,
		Clips:    Clips{Greeting: greeting},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, conv.Run(ctx))

	// The greeting plays and is part of the log before the first turn.
	chunk, ok := out.TryPop()
	require.True(t, ok)
	assert.Equal(t, greeting, chunk)

	items := conv.history()
	require.Len(t, items, 1)
	assert.Equal(t, openai.RoleAssistant, items[0].Role)
	assert.Equal(t, "Hallo. How can I help?", items[0].Content)

	// An accent change never outlives its call.
	assert.Equal(t, "Vicki", voice.Get())
}

func TestConversationToolCallTurn(t *testing.T) {
	in := media.NewFrameQueue(512)
	out := media.NewFrameQueue(512)

	argsCh := make(chan map[string]any, 1)
	registry := functions.NewRegistry()
	registry.RegisterModule(functions.Module{
		Name: "weather",
		Functions: []functions.Definition{{
			Name:        "get_weather_today",
			Description: "Returns the weather forecast for a given day.",
			Parameters: functions.Parameters{
				Type: "object",
				Properties: map[string]functions.Property{
					"location": {Type: "string"},
					"day":      {Type: "string"},
				},
				Required: []string{"location", "day"},
			},
			Handler: func(args map[string]any) (string, error) {
				argsCh <- args
				return "Drizzle, 14 to 16 degrees.", nil
			},
		}},
	})

	stt := &fakeSTT{texts: []string{"What will the weather be like?"}}
	llm := &fakeLLM{replies: []openai.Message{
		{
			Role: openai.RoleAssistant,
			FunctionCall: &openai.FunctionCall{
				Name:      "weather__get_weather_today",
				Arguments: `{"location": "London", "day": "2023-07-29"}`,
			},
		},
		openai.AssistantMessage("It'll rain."),
	}}
	pcm := []byte{0x00, 0x10, 0x00, 0x20, 0x00, 0x30, 0x00, 0x40}
	tts := &fakeTTS{chunks: [][]byte{pcm}}
	greeting := []byte{0xFF, 0xFE}

	conv := NewConversation(in, out, ConversationConfig{
		STT:      stt,
		LLM:      llm,
		TTS:      tts,
		Registry: registry,
		Voice:    aws.NewVoiceSetting(""),
		Clips:    Clips{Greeting: greeting},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := drainOutbound(ctx, out)

	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	// Feed the utterance only once the greeting has fully played, frames
	// arriving earlier are dropped as potential echo.
	require.Eventually(t, func() bool {
		return rec.contains(greeting) && out.Empty()
	}, 2*time.Second, 5*time.Millisecond)
	for _, frame := range callerBurst() {
		require.True(t, in.Push(frame))
	}

	wantAudio := audio.EncodeUlaw(pcm)
	require.Eventually(t, func() bool {
		return rec.contains(wantAudio)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	select {
	case args := <-argsCh:
		assert.Equal(t, map[string]any{"location": "London", "day": "2023-07-29"}, args)
	default:
		t.Fatal("tool handler was not invoked")
	}

	// Greeting, user turn, then exactly three messages from the exchange:
	// the tool call, its result and the spoken reply.
	items := conv.history()
	require.Len(t, items, 5)
	assert.Equal(t, "Hallo. How can I help?", items[0].Content)
	assert.Equal(t, openai.RoleUser, items[1].Role)
	assert.Equal(t, "What will the weather be like?", items[1].Content)
	require.NotNil(t, items[2].FunctionCall)
	assert.Equal(t, "weather__get_weather_today", items[2].FunctionCall.Name)
	assert.Equal(t, openai.RoleFunction, items[3].Role)
	assert.Equal(t, "weather__get_weather_today", items[3].Name)
	assert.Equal(t, "Drizzle, 14 to 16 degrees.", items[3].Content)
	assert.Equal(t, openai.RoleAssistant, items[4].Role)
	assert.Equal(t, "It'll rain.", items[4].Content)

	// One synthesis request for the final text only.
	assert.Equal(t, []string{"It'll rain."}, tts.requests())

	// The model saw the tool schema on every request.
	require.GreaterOrEqual(t, llm.calls(), 2)
	require.Len(t, llm.schemas[0], 1)
	assert.Equal(t, "weather__get_weather_today", llm.schemas[0][0].Name)

	// The first session was finished, any later one discarded on shutdown.
	require.NotEmpty(t, stt.sessions)
	first := stt.sessions[0]
	assert.True(t, first.finished)
	assert.Greater(t, first.chunks, 0)
	for _, s := range stt.sessions[1:] {
		assert.True(t, s.discarded)
	}
}

func TestConversationHoldPrompt(t *testing.T) {
	in := media.NewFrameQueue(512)
	out := media.NewFrameQueue(512)

	stt := &fakeSTT{texts: []string{"Tell me a story."}}
	llm := &fakeLLM{
		delay:   250 * time.Millisecond,
		replies: []openai.Message{openai.AssistantMessage("Once upon a time.")},
	}
	pcm := []byte{0x00, 0x10, 0x00, 0x20}
	tts := &fakeTTS{chunks: [][]byte{pcm}}
	oneSecond := []byte{0x7F, 0x7E, 0x7D}

	conv := NewConversation(in, out, ConversationConfig{
		STT:              stt,
		LLM:              llm,
		TTS:              tts,
		Registry:         functions.NewRegistry(),
		Voice:            aws.NewVoiceSetting(""),
		Clips:            Clips{OneSecond: oneSecond},
		WaitSpeakerDelay: 60 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := drainOutbound(ctx, out)

	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	for _, frame := range callerBurst() {
		require.True(t, in.Push(frame))
	}

	wantAudio := audio.EncodeUlaw(pcm)
	require.Eventually(t, func() bool {
		return rec.contains(wantAudio)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// The hold prompt played exactly once and entered the log so the
	// model sees it next turn.
	assert.Equal(t, 1, rec.count(oneSecond))
	holds := 0
	for _, item := range conv.history() {
		if item.Content == "One second, bitte." {
			holds++
			assert.Equal(t, openai.RoleAssistant, item.Role)
		}
	}
	assert.Equal(t, 1, holds)
}

func TestConversationHoldPromptStandsDown(t *testing.T) {
	in := media.NewFrameQueue(512)
	out := media.NewFrameQueue(512)

	stt := &fakeSTT{texts: []string{"Quick one."}}
	llm := &fakeLLM{replies: []openai.Message{openai.AssistantMessage("Done.")}}
	pcm := []byte{0x00, 0x10}
	tts := &fakeTTS{chunks: [][]byte{pcm}}
	oneSecond := []byte{0x7F, 0x7E}

	conv := NewConversation(in, out, ConversationConfig{
		STT:              stt,
		LLM:              llm,
		TTS:              tts,
		Registry:         functions.NewRegistry(),
		Voice:            aws.NewVoiceSetting(""),
		Clips:            Clips{OneSecond: oneSecond},
		WaitSpeakerDelay: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := drainOutbound(ctx, out)

	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	for _, frame := range callerBurst() {
		require.True(t, in.Push(frame))
	}

	wantAudio := audio.EncodeUlaw(pcm)
	require.Eventually(t, func() bool {
		return rec.contains(wantAudio)
	}, 5*time.Second, 10*time.Millisecond)

	// Give a late watchdog every chance to misfire before checking.
	time.Sleep(600 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, rec.count(oneSecond))
	for _, item := range conv.history() {
		assert.NotEqual(t, "One second, bitte.", item.Content)
	}
}

func TestConversationFatalPlaysErrorPrompt(t *testing.T) {
	in := media.NewFrameQueue(512)
	out := media.NewFrameQueue(512)

	stt := &fakeSTT{texts: []string{"Hello?"}}
	llm := &fakeLLM{err: errors.New("upstream on fire")}
	tts := &fakeTTS{}
	errClip := []byte{0x11, 0x22, 0x33}

	conv := NewConversation(in, out, ConversationConfig{
		STT:      stt,
		LLM:      llm,
		TTS:      tts,
		Registry: functions.NewRegistry(),
		Voice:    aws.NewVoiceSetting(""),
		Clips:    Clips{Error: errClip},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := drainOutbound(ctx, out)

	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	for _, frame := range callerBurst() {
		require.True(t, in.Push(frame))
	}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream on fire")
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not fail")
	}

	require.Eventually(t, func() bool {
		return rec.contains(errClip)
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, tts.requests())
}

func TestConversationEmptyTranscriptStillAsks(t *testing.T) {
	in := media.NewFrameQueue(512)
	out := media.NewFrameQueue(512)

	stt := &fakeSTT{texts: []string{""}}
	llm := &fakeLLM{replies: []openai.Message{openai.AssistantMessage("Are you still there?")}}
	pcm := []byte{0x00, 0x10}
	tts := &fakeTTS{chunks: [][]byte{pcm}}

	conv := NewConversation(in, out, ConversationConfig{
		STT:      stt,
		LLM:      llm,
		TTS:      tts,
		Registry: functions.NewRegistry(),
		Voice:    aws.NewVoiceSetting(""),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := drainOutbound(ctx, out)

	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	for _, frame := range callerBurst() {
		require.True(t, in.Push(frame))
	}

	wantAudio := audio.EncodeUlaw(pcm)
	require.Eventually(t, func() bool {
		return rec.contains(wantAudio)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// No user message entered the log, yet the model was asked.
	require.GreaterOrEqual(t, llm.calls(), 1)
	require.Len(t, llm.histories[0], 1)
	assert.Equal(t, openai.RoleAssistant, llm.histories[0][0].Role)
	for _, item := range conv.history() {
		assert.NotEqual(t, openai.RoleUser, item.Role)
	}
}

func TestConversationTranscriberDownIsNotFatal(t *testing.T) {
	in := media.NewFrameQueue(512)
	out := media.NewFrameQueue(512)

	stt := &fakeSTT{startErr: errors.New("connect refused")}
	llm := &fakeLLM{replies: []openai.Message{openai.AssistantMessage("I did not catch that.")}}
	pcm := []byte{0x00, 0x10}
	tts := &fakeTTS{chunks: [][]byte{pcm}}

	conv := NewConversation(in, out, ConversationConfig{
		STT:      stt,
		LLM:      llm,
		TTS:      tts,
		Registry: functions.NewRegistry(),
		Voice:    aws.NewVoiceSetting(""),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := drainOutbound(ctx, out)

	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	for _, frame := range callerBurst() {
		require.True(t, in.Push(frame))
	}

	// The turn survives without a transcript, the reply still plays.
	wantAudio := audio.EncodeUlaw(pcm)
	require.Eventually(t, func() bool {
		return rec.contains(wantAudio)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"I did not catch that."}, tts.requests())
}

func TestParseArguments(t *testing.T) {
	args, err := parseArguments("")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = parseArguments(`{"location": "London"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"location": "London"}, args)

	_, err = parseArguments(`{"location": `)
	require.Error(t, err)
}

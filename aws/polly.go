// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package aws holds the Polly speech synthesis client that gives the agent
// its voice, and the voice cell the accent tool writes into.
package aws

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultVoice is the voice the agent falls back to, a neural German one.
const DefaultVoice = "Daniel"

// synthesisChunkSize is how much PCM one read off the response pulls. At
// 8kHz s16le that is a quarter second of speech per chunk.
const synthesisChunkSize = 4096

// VoiceSetting is the process wide Polly voice. The accent tool writes it
// from the conversation goroutine, requests snapshot it at send time, so
// reads and writes go through an atomic cell.
type VoiceSetting struct {
	fallback string
	current  atomic.Value
}

// NewVoiceSetting creates a cell holding defaultVoice, or DefaultVoice
// when empty.
func NewVoiceSetting(defaultVoice string) *VoiceSetting {
	if defaultVoice == "" {
		defaultVoice = DefaultVoice
	}
	s := &VoiceSetting{fallback: defaultVoice}
	s.current.Store(defaultVoice)
	return s
}

func (s *VoiceSetting) Set(voice string) {
	s.current.Store(voice)
}

func (s *VoiceSetting) Get() string {
	return s.current.Load().(string)
}

// Reset puts the default voice back. Runs at conversation start so an
// accent picked up in one call does not leak into the next.
func (s *VoiceSetting) Reset() {
	s.current.Store(s.fallback)
}

// SpeechStream delivers synthesized linear PCM chunk by chunk while Polly
// is still producing it. Chunks always hold a whole number of s16le
// samples.
type SpeechStream struct {
	ch  chan []byte
	err error
}

// Chunks is closed when the stream ends, cleanly or not.
func (s *SpeechStream) Chunks() <-chan []byte {
	return s.ch
}

// Err reports why the stream ended, nil on clean EOF. Only valid after
// Chunks closed.
func (s *SpeechStream) Err() error {
	return s.err
}

// PollyClient synthesizes speech as raw 8kHz linear PCM.
type PollyClient struct {
	client *polly.Client
	voice  *VoiceSetting
	log    zerolog.Logger
}

// PollyOption configures a PollyClient.
type PollyOption func(*polly.Options)

// WithPollyEndpoint overrides the service endpoint.
func WithPollyEndpoint(url string) PollyOption {
	return func(o *polly.Options) {
		o.BaseEndpoint = awssdk.String(url)
	}
}

func NewPollyClient(ctx context.Context, accessKey, secretKey, region string, voice *VoiceSetting, opts ...PollyOption) (*PollyClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	return &PollyClient{
		client: polly.NewFromConfig(cfg, func(o *polly.Options) {
			for _, opt := range opts {
				opt(o)
			}
		}),
		voice: voice,
		log:   log.With().Str("caller", "aws").Logger(),
	}, nil
}

// Synthesize starts a synthesis request for text with the current voice
// and streams the audio back. The first chunk arrives as soon as Polly
// produces it, well before the full reply is rendered.
func (c *PollyClient) Synthesize(ctx context.Context, text string) (*SpeechStream, error) {
	voice := c.voice.Get()
	out, err := c.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		OutputFormat: types.OutputFormatPcm,
		Text:         awssdk.String(text),
		VoiceId:      types.VoiceId(voice),
		Engine:       types.EngineNeural,
		SampleRate:   awssdk.String("8000"),
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}

	c.log.Debug().Str("voice", voice).Int("chars", len(text)).Msg("Speech synthesis streaming")

	stream := &SpeechStream{ch: make(chan []byte, 8)}
	go func() {
		defer close(stream.ch)
		defer out.AudioStream.Close()

		// A read can end halfway through a sample. The odd byte carries
		// into the next chunk so consumers never see a torn s16le pair.
		var carry byte
		hasCarry := false
		for {
			buf := make([]byte, synthesisChunkSize)
			off := 0
			if hasCarry {
				buf[0] = carry
				off = 1
				hasCarry = false
			}
			n, err := out.AudioStream.Read(buf[off:])
			total := off + n
			if total%2 == 1 {
				carry = buf[total-1]
				hasCarry = true
				total--
			}
			if total > 0 {
				select {
				case stream.ch <- buf[:total:total]:
				case <-ctx.Done():
					stream.err = ctx.Err()
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				stream.err = err
				return
			}
		}
	}()
	return stream, nil
}

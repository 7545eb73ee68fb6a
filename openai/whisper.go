// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rotarygpt/rotarygpt/audio"
)

const (
	// transcriptionBoundary is pinned so the request preamble can be built
	// before any audio exists. Whisper does not care, proxies in the field
	// sometimes do.
	transcriptionBoundary = "112FEUERNOTRUF110"
	transcriptionModel    = "whisper-1"

	defaultWhisperBaseURL = "https://api.openai.com/v1"
)

// WhisperClient uploads caller audio to the transcriptions endpoint while
// the caller is still talking. Audio goes out as a chunked multipart body,
// so nothing is buffered beyond the frame being written.
type WhisperClient struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

// WhisperOption configures a WhisperClient.
type WhisperOption func(*WhisperClient)

// WithWhisperBaseURL overrides the API base URL.
func WithWhisperBaseURL(url string) WhisperOption {
	return func(c *WhisperClient) {
		c.baseURL = url
	}
}

// WithWhisperHTTPClient overrides the HTTP client.
func WithWhisperHTTPClient(httpc *http.Client) WhisperOption {
	return func(c *WhisperClient) {
		c.httpc = httpc
	}
}

func NewWhisperClient(apiKey string, opts ...WhisperOption) *WhisperClient {
	c := &WhisperClient{
		apiKey:  apiKey,
		baseURL: defaultWhisperBaseURL,
		httpc:   http.DefaultClient,
		log:     log.With().Str("caller", "openai").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type transcriptionResult struct {
	text string
	err  error
}

// TranscriptionSession is one in-flight streaming upload. It is owned by a
// single goroutine; none of its methods are safe for concurrent use. The
// lifecycle is Start, any number of AddAudio, then exactly one of Finish or
// Discard. Calling either more than once is a no-op.
type TranscriptionSession struct {
	pw     *io.PipeWriter
	form   *multipart.Writer
	file   io.Writer
	cancel context.CancelFunc
	result chan transcriptionResult

	accepting bool
	closed    bool
	log       zerolog.Logger
}

// StartTranscription opens the upload and writes the form preamble: the
// model field and the file part with a streaming WAV header, so the audio
// that follows is a valid PCMU WAV from the first byte.
func (c *WhisperClient) StartTranscription(ctx context.Context) (*TranscriptionSession, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	form := multipart.NewWriter(pw)
	if err := form.SetBoundary(transcriptionBoundary); err != nil {
		cancel()
		return nil, fmt.Errorf("transcription boundary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", form.FormDataContentType())
	// One shot connection. The server sees EOF as soon as the body ends and
	// cancellation as a reset, nothing lingers in a pool.
	req.Close = true

	s := &TranscriptionSession{
		pw:        pw,
		form:      form,
		cancel:    cancel,
		result:    make(chan transcriptionResult, 1),
		accepting: true,
		log:       c.log,
	}

	// The response reader has to be in flight before the preamble goes out:
	// pipe writes block until the transport consumes them.
	go func() {
		resp, err := c.httpc.Do(req)
		if err != nil {
			// Unblock any writer stuck on the pipe.
			pr.CloseWithError(err)
			s.result <- transcriptionResult{err: fmt.Errorf("transcription upload: %w", err)}
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			s.result <- transcriptionResult{err: fmt.Errorf("transcription response: %w", err)}
			return
		}
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			s.result <- transcriptionResult{err: fmt.Errorf("transcription response: %w", err)}
			return
		}
		s.result <- transcriptionResult{text: parsed.Text}
	}()

	if err := form.WriteField("model", transcriptionModel); err != nil {
		s.Discard()
		return nil, fmt.Errorf("transcription preamble: %w", err)
	}
	file, err := form.CreateFormFile("file", "data.wav")
	if err != nil {
		s.Discard()
		return nil, fmt.Errorf("transcription preamble: %w", err)
	}
	if _, err := file.Write(audio.StreamHeader()); err != nil {
		s.Discard()
		return nil, fmt.Errorf("transcription preamble: %w", err)
	}
	s.file = file

	c.log.Debug().Msg("Transcription upload started")
	return s, nil
}

// AddAudio appends one ulaw chunk to the upload. Chunks arriving after
// Finish or Discard, or after the upload broke, are dropped.
func (s *TranscriptionSession) AddAudio(chunk []byte) {
	if !s.accepting {
		return
	}
	if _, err := s.file.Write(chunk); err != nil {
		s.log.Warn().Err(err).Msg("Transcription upload broke, dropping further audio")
		s.accepting = false
	}
}

// Finish closes the upload and waits for the transcript. An empty string
// is a valid result, the service returns one for inaudible audio.
func (s *TranscriptionSession) Finish(ctx context.Context) (string, error) {
	s.accepting = false
	if !s.closed {
		s.closed = true
		// Closing boundary, then body EOF. Errors here mean the upload
		// already broke and the result channel carries the cause.
		s.form.Close()
		s.pw.Close()
	}

	select {
	case res := <-s.result:
		s.cancel()
		return res.text, res.err
	case <-ctx.Done():
		s.cancel()
		return "", ctx.Err()
	}
}

// Discard aborts the upload without waiting for a response.
func (s *TranscriptionSession) Discard() {
	s.accepting = false
	if !s.closed {
		s.closed = true
		s.pw.CloseWithError(context.Canceled)
	}
	s.cancel()
	s.log.Debug().Msg("Transcription upload discarded")
}

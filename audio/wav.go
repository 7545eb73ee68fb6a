// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-audio/riff"
)

const (
	// StreamHeaderSize is the size of the WAV header emitted in front of a
	// ulaw stream.
	StreamHeaderSize = 44

	formatUlaw = 0x0007
	formatPCM  = 0x0001
)

// StreamHeader builds a WAV header for a ulaw stream of unknown length.
// The RIFF and data sizes are pinned to 0xFFFFFFFF so the header can be
// written before any audio exists. Players and transcription services treat
// that as "read until the stream ends".
func StreamHeader() []byte {
	const fmtChunkSize = 16

	header := make([]byte, StreamHeaderSize)
	copy(header[0:4], []byte("RIFF"))
	binary.LittleEndian.PutUint32(header[4:8], 0xFFFFFFFF)
	copy(header[8:12], []byte("WAVE"))

	copy(header[12:16], []byte("fmt "))
	binary.LittleEndian.PutUint32(header[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], formatUlaw)
	binary.LittleEndian.PutUint16(header[22:24], 1)    // mono
	binary.LittleEndian.PutUint32(header[24:28], 8000) // sample rate
	binary.LittleEndian.PutUint32(header[28:32], 8000) // byte rate, 1 byte per sample
	binary.LittleEndian.PutUint16(header[32:34], 1)    // block align
	binary.LittleEndian.PutUint16(header[34:36], 8)    // bits per sample

	copy(header[36:40], []byte("data"))
	binary.LittleEndian.PutUint32(header[40:44], 0xFFFFFFFF)
	return header
}

// CaptureWriter dumps a ulaw stream into a WAV file as it is produced. The
// header goes out at open time with streaming sizes, payloads are appended
// verbatim. The file stays playable even when the process dies mid call.
type CaptureWriter struct {
	f *os.File
}

// OpenCapture creates (or truncates) the capture file and writes the
// stream header.
func OpenCapture(path string) (*CaptureWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(StreamHeader()); err != nil {
		f.Close()
		return nil, err
	}
	return &CaptureWriter{f: f}, nil
}

func (c *CaptureWriter) Write(ulaw []byte) (int, error) {
	return c.f.Write(ulaw)
}

func (c *CaptureWriter) Close() error {
	return c.f.Close()
}

// WavReader pulls the PCM data chunk out of a RIFF WAVE stream.
type WavReader struct {
	riff.Parser
	chunkData *riff.Chunk
	DataSize  int
}

func NewWavReader(r io.Reader) *WavReader {
	parser := riff.New(r)
	reader := WavReader{Parser: *parser}
	return &reader
}

// ReadHeaders reads until data chunk
func (r *WavReader) ReadHeaders() error {
	if err := r.readHeaders(); err != nil {
		return err
	}

	return r.readDataChunk()
}

func (r *WavReader) readHeaders() error {
	if err := r.Parser.ParseHeaders(); err != nil {
		return err
	}
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}

		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		return chunk.DecodeWavHeader(&r.Parser)
	}
}

func (r *WavReader) readDataChunk() error {
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}

		if chunk.ID != riff.DataFormatID {
			chunk.Drain()
			continue
		}
		r.chunkData = chunk
		r.DataSize = chunk.Size
		return nil
	}
}

// Read returns PCM underneath
func (r *WavReader) Read(buf []byte) (n int, err error) {
	if r.chunkData != nil {
		return r.chunkData.Read(buf)
	}

	if err := r.readDataChunk(); err != nil {
		return 0, err
	}
	return r.chunkData.Read(buf)
}

// LoadClip reads a prompt clip from dir and returns it encoded as ulaw,
// ready for the outbound queue. <stem>.pcm is raw little endian 16-bit
// linear PCM at 8kHz mono. When no .pcm exists a <stem>.wav with the same
// format is accepted.
func LoadClip(dir, stem string) ([]byte, error) {
	lpcm, err := os.ReadFile(filepath.Join(dir, stem+".pcm"))
	if err == nil {
		return EncodeUlaw(lpcm), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clip %q: %w", stem, err)
	}

	f, err := os.Open(filepath.Join(dir, stem+".wav"))
	if err != nil {
		return nil, fmt.Errorf("clip %q: %w", stem, err)
	}
	defer f.Close()

	r := NewWavReader(f)
	if err := r.ReadHeaders(); err != nil {
		return nil, fmt.Errorf("clip %q: %w", stem, err)
	}
	if r.WavAudioFormat != formatPCM || r.NumChannels != 1 || r.SampleRate != 8000 || r.BitsPerSample != 16 {
		return nil, fmt.Errorf("clip %q: want 8kHz mono 16-bit PCM, got format=%d channels=%d rate=%d bits=%d",
			stem, r.WavAudioFormat, r.NumChannels, r.SampleRate, r.BitsPerSample)
	}

	lpcm, err = io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("clip %q: %w", stem, err)
	}
	return EncodeUlaw(lpcm), nil
}

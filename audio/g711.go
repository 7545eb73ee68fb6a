// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"io"

	"github.com/zaf/g711"
)

// EncodeUlawSample compresses a single 16-bit linear PCM sample to G.711 u-law.
func EncodeUlawSample(lpcm int16) byte {
	return g711.EncodeUlawFrame(lpcm)
}

// DecodeUlawSample expands a single G.711 u-law byte to 16-bit linear PCM.
func DecodeUlawSample(ulaw byte) int16 {
	return g711.DecodeUlawFrame(ulaw)
}

// EncodeUlawTo encodes little endian 16-bit linear PCM into ulaw. Trailing
// odd bytes are ignored, callers must keep sample alignment themselves.
func EncodeUlawTo(ulaw []byte, lpcm []byte) (int, error) {
	if len(lpcm)/2 > len(ulaw) {
		return 0, io.ErrShortBuffer
	}

	n := 0
	for i, j := 0, 0; j+1 < len(lpcm); i, j = i+1, j+2 {
		ulaw[i] = g711.EncodeUlawFrame(int16(lpcm[j]) | int16(lpcm[j+1])<<8)
		n++
	}
	return n, nil
}

// DecodeUlawTo decodes ulaw into little endian 16-bit linear PCM.
func DecodeUlawTo(lpcm []byte, ulaw []byte) (int, error) {
	if len(ulaw)*2 > len(lpcm) {
		return 0, io.ErrShortBuffer
	}

	n := 0
	for i, j := 0, 0; i < len(ulaw); i, j = i+1, j+2 {
		frame := g711.DecodeUlawFrame(ulaw[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}

// EncodeUlaw encodes little endian 16-bit linear PCM into a freshly
// allocated ulaw buffer.
func EncodeUlaw(lpcm []byte) []byte {
	ulaw := make([]byte, len(lpcm)/2)
	EncodeUlawTo(ulaw, lpcm)
	return ulaw
}

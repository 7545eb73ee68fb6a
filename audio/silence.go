// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import "math"

const (
	// Frames dropped before calibration. Covers ringback residue and the
	// first packets of a call, which often carry clicks.
	warmupFrames = 25
	// Frames accumulated to measure the line noise floor.
	calibrationFrames = 25
	// Sliding window length for the running level estimate.
	windowFrames = 25
)

type frameEnergy struct {
	sumsq   float64
	samples int
}

// SilenceDetector finds the end of a talk burst on a ulaw frame stream.
//
// The first 25 frames are skipped, the next 25 are used to calibrate the
// noise floor. From the noise floor RMS it derives two thresholds that hold
// for the rest of the call: silence is anything below 2x the floor, signal
// is anything above 10x. After calibration every frame updates a sliding
// window over the last 25 frames. Once the windowed RMS rises above the
// signal threshold the detector latches, and when it later falls below the
// silence threshold Push reports true exactly once and the latch clears.
//
// ResetLatch clears the latch without touching the thresholds, so a detector
// survives multiple speech turns on one call.
type SilenceDetector struct {
	frames int

	calibSumsq   float64
	calibSamples int
	silenceUpper float64
	signalLower  float64

	window     [windowFrames]frameEnergy
	winPos     int
	winLen     int
	winSumsq   float64
	winSamples int

	hadSignal bool
}

func NewSilenceDetector() *SilenceDetector {
	return &SilenceDetector{}
}

// Push consumes one ulaw frame and reports whether a signal to silence
// transition completed on this frame.
func (d *SilenceDetector) Push(frame []byte) bool {
	d.frames++
	if d.frames <= warmupFrames {
		return false
	}
	if d.frames <= warmupFrames+calibrationFrames {
		sumsq, n := sumSquares(frame)
		d.calibSumsq += sumsq
		d.calibSamples += n
		if d.frames == warmupFrames+calibrationFrames && d.calibSamples > 0 {
			noise := math.Sqrt(d.calibSumsq / float64(d.calibSamples))
			d.silenceUpper = 2 * noise
			d.signalLower = 5 * d.silenceUpper
		}
		return false
	}

	sumsq, n := sumSquares(frame)
	entry := frameEnergy{sumsq: sumsq, samples: n}
	if d.winLen < windowFrames {
		d.winLen++
	} else {
		old := d.window[d.winPos]
		d.winSumsq -= old.sumsq
		d.winSamples -= old.samples
	}
	d.window[d.winPos] = entry
	d.winPos = (d.winPos + 1) % windowFrames
	d.winSumsq += entry.sumsq
	d.winSamples += entry.samples

	if d.winLen < windowFrames || d.winSamples == 0 {
		return false
	}

	rms := math.Sqrt(d.winSumsq / float64(d.winSamples))
	if rms > d.signalLower {
		d.hadSignal = true
		return false
	}
	if d.hadSignal && rms < d.silenceUpper {
		d.hadSignal = false
		return true
	}
	return false
}

// ResetLatch clears the signal latch. Calibration state is kept.
func (d *SilenceDetector) ResetLatch() {
	d.hadSignal = false
}

// RMS computes the root mean square level of a ulaw frame on the
// linearized samples.
func RMS(ulaw []byte) float64 {
	sumsq, n := sumSquares(ulaw)
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumsq / float64(n))
}

func sumSquares(ulaw []byte) (float64, int) {
	var total float64
	for _, b := range ulaw {
		s := float64(DecodeUlawSample(b))
		total += s * s
	}
	return total, len(ulaw)
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_mixer

import (
	"time"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
)

// sourceBuffer is the per-registered-source ordered sample buffer. Once
// initialized it always represents contiguous timeline coverage from
// firstTS: gaps are filled with synthesized silence before real samples
// are appended, and coverage never moves backwards.
//
// Positions are derived from frame counts, not accumulated durations, so
// repeated appends cannot drift: end = firstTS + appended/rate.
type sourceBuffer struct {
	name      string
	cfg       *internal_audio.Config
	target    *internal_audio.Config
	frames    <-chan internal_type.PCMFrame
	resampler internal_type.AudioResampler

	// exhausted is set when the source channel closes. The buffer keeps
	// its stall-fill behavior; a closed source simply reads as silence.
	exhausted bool

	hasData bool
	firstTS time.Duration

	buf      []int16 // pending interleaved samples in target format
	appended int     // frames ever appended (consumed included)
	consumed int     // frames handed to the mixing stage
}

func newSourceBuffer(src Source, target *internal_audio.Config, resampler internal_type.AudioResampler) *sourceBuffer {
	name := src.Name
	if name == "" {
		name = "audio-source"
	}
	return &sourceBuffer{
		name:      name,
		cfg:       src.Config,
		target:    target,
		frames:    src.Frames,
		resampler: resampler,
	}
}

// end returns the timestamp just past the last buffered sample.
func (s *sourceBuffer) end() time.Duration {
	return s.firstTS + s.target.SamplesDuration(s.appended)
}

// pendingFrames returns how many frames are buffered but not yet mixed.
func (s *sourceBuffer) pendingFrames() int {
	return s.appended - s.consumed
}

// initAt establishes the buffer's coverage origin.
func (s *sourceBuffer) initAt(ts time.Duration) {
	s.hasData = true
	s.firstTS = ts
}

// appendSilence extends coverage with n frames of synthesized silence.
func (s *sourceBuffer) appendSilence(n int) {
	if n <= 0 {
		return
	}
	s.buf = append(s.buf, make([]int16, n*s.target.Channels)...)
	s.appended += n
}

// appendSamples extends coverage with real interleaved samples.
func (s *sourceBuffer) appendSamples(samples []int16) {
	if len(samples) == 0 {
		return
	}
	s.buf = append(s.buf, samples...)
	s.appended += len(samples) / s.target.Channels
}

// alignTo normalizes the buffer to the global start timestamp before
// mixing begins: leading silence is prepended when the source started
// late, coverage before start is trimmed away. Must only be called while
// nothing has been consumed.
func (s *sourceBuffer) alignTo(start time.Duration) {
	if !s.hasData {
		return
	}

	switch {
	case s.firstTS > start+minGap:
		lead := s.target.DurationBytes(s.firstTS-start) / s.target.FrameSize()
		s.buf = append(make([]int16, lead*s.target.Channels), s.buf...)
		s.appended += lead
		s.firstTS = start

	case s.firstTS < start:
		cut := s.target.DurationBytes(start-s.firstTS) / s.target.FrameSize()
		if cut >= s.appended {
			s.buf = s.buf[:0]
			s.appended = 0
		} else {
			s.buf = s.buf[cut*s.target.Channels:]
			s.appended -= cut
		}
		s.firstTS = start
	}
}

// consume removes and returns the first n buffered frames.
func (s *sourceBuffer) consume(n int) []int16 {
	count := n * s.target.Channels
	if count > len(s.buf) {
		count = len(s.buf)
	}
	out := s.buf[:count]
	s.buf = s.buf[count:]
	s.consumed += count / s.target.Channels
	return out
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"context"
	"time"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
)

// PCMFrame is a chunk of audio placed on the recording timeline.
// Timestamp is measured from the shared pipeline epoch.
type PCMFrame struct {
	Data      []byte
	Timestamp time.Duration
}

// VideoFrame is an encoded video frame on the recording timeline.
type VideoFrame struct {
	Data      []byte
	Timestamp time.Duration
	Keyframe  bool
}

// VideoInfo describes an encoded video stream handed to a muxer.
type VideoInfo struct {
	Width     int
	Height    int
	FrameRate float64
	Codec     string
}

// AudioSource is a push-based audio producer (microphone, loopback,
// telephony leg). Setup wires the source to out and returns its native
// format; frames carry capture timestamps relative to the epoch passed
// through ctx by the pipeline. Start and Stop are optional hooks — a
// source that begins producing at Setup can no-op both.
type AudioSource interface {
	Setup(ctx context.Context, out chan<- PCMFrame) (*internal_audio.Config, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// VideoSource is a push-based encoded video producer (screen or camera
// capture behind a hardware encoder).
type VideoSource interface {
	Setup(ctx context.Context, out chan<- VideoFrame) (*VideoInfo, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Muxer is the capability the pipeline writes into. Send methods take
// frames whose Timestamp is already epoch-relative and pause-adjusted.
// Finish flushes and finalizes all output; it must be safe to call after
// a mid-stream failure and must never be called concurrently with Send.
type Muxer interface {
	SendVideoFrame(frame VideoFrame) error
	SendAudioFrame(frame PCMFrame) error
	Finish() error
}

// SegmentEncoder is an opaque encoder+container handle owned by exactly
// one segment for its lifetime. Close flushes pending frames and writes
// the container trailer.
type SegmentEncoder interface {
	WriteVideo(frame VideoFrame) error
	WriteAudio(frame PCMFrame) error
	Close() error
}

// EncoderFactory opens a SegmentEncoder writing to path. Hardware encoder
// handles are frequently tied to the thread that created them, so the
// muxer invokes the factory on the dedicated segment thread.
type EncoderFactory func(path string, video *VideoInfo, audio *internal_audio.Config) (SegmentEncoder, error)

// AudioResampler converts PCM between stream formats. One instance serves
// one source stream — conversion may carry filter state across frames.
// Flush drains that state at end-of-stream.
type AudioResampler interface {
	Resample(data []byte, src, dst *internal_audio.Config) ([]byte, error)
	Flush() ([]byte, error)
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"fmt"
	"time"
)

// Format identifies the sample encoding of a PCM byte stream.
type Format int

const (
	// FormatLinear16 is 16-bit little-endian signed linear PCM.
	FormatLinear16 Format = iota
	// FormatMulaw is 8-bit G.711 µ-law.
	FormatMulaw
	// FormatAlaw is 8-bit G.711 A-law.
	FormatAlaw
)

func (f Format) String() string {
	switch f {
	case FormatLinear16:
		return "linear16"
	case FormatMulaw:
		return "mulaw"
	case FormatAlaw:
		return "alaw"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Config describes an audio stream: sample rate, channel count and sample
// encoding. Sources declare their native Config at registration; the mixer
// owns a single target Config all sources are converted to.
type Config struct {
	SampleRate int
	Channels   int
	Format     Format
}

// NewLinear16khzMonoAudioConfig is the internal default processing format.
func NewLinear16khzMonoAudioConfig() *Config {
	return &Config{SampleRate: 16000, Channels: 1, Format: FormatLinear16}
}

// NewLinear48khzStereoAudioConfig matches common loopback/system capture.
func NewLinear48khzStereoAudioConfig() *Config {
	return &Config{SampleRate: 48000, Channels: 2, Format: FormatLinear16}
}

// NewMulaw8khzMonoAudioConfig matches G.711 µ-law telephony capture.
func NewMulaw8khzMonoAudioConfig() *Config {
	return &Config{SampleRate: 8000, Channels: 1, Format: FormatMulaw}
}

// BytesPerSample returns the encoded size of one sample on one channel.
func (c *Config) BytesPerSample() int {
	if c.Format == FormatLinear16 {
		return 2
	}
	return 1 // G.711 is 8-bit
}

// FrameSize returns the byte size of one sample across all channels.
func (c *Config) FrameSize() int {
	return c.BytesPerSample() * c.Channels
}

// BytesPerSecond returns the byte rate of the stream.
func (c *Config) BytesPerSecond() int {
	return c.SampleRate * c.FrameSize()
}

// DurationBytes converts a duration to a frame-aligned byte count.
func (c *Config) DurationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(c.BytesPerSecond()))
	frame := c.FrameSize()
	return (raw / frame) * frame
}

// BytesDuration converts a byte count to the stream time it spans.
func (c *Config) BytesDuration(n int) time.Duration {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(c.BytesPerSecond()) * float64(time.Second))
}

// SamplesDuration converts a per-channel sample count to stream time.
func (c *Config) SamplesDuration(n int) time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(c.SampleRate) * float64(time.Second))
}

// Equal reports whether two configs describe the same stream format.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.SampleRate == other.SampleRate &&
		c.Channels == other.Channels &&
		c.Format == other.Format
}

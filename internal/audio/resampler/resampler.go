// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio_resampler

import (
	"fmt"
	"math"

	audioresampler "github.com/tphakala/go-audio-resampler"
	"github.com/zaf/g711"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/utils"
)

// Compile-time interface assertion.
var _ internal_type.AudioResampler = (*defaultResampler)(nil)

// defaultResampler converts source audio to the target format: G.711
// decode via zaf/g711, channel up/down-mix, then sample rate conversion
// through tphakala/go-audio-resampler. One instance serves one source
// stream: the per-channel converters carry FIR filter state across frames,
// so frame boundaries stay artifact-free.
type defaultResampler struct {
	logger commons.Logger

	srcRate    int
	dstRate    int
	converters []audioresampler.Resampler
}

// GetResampler returns the default AudioResampler for one source stream.
func GetResampler(logger commons.Logger) (internal_type.AudioResampler, error) {
	return &defaultResampler{logger: logger}, nil
}

// Resample converts data from src to dst. Only FormatLinear16 targets are
// supported — the core processes linear PCM internally everywhere.
func (r *defaultResampler) Resample(data []byte, src, dst *internal_audio.Config) ([]byte, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("resample: nil audio config")
	}
	if dst.Format != internal_audio.FormatLinear16 {
		return nil, fmt.Errorf("resample: unsupported target format %s", dst.Format)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if src.Equal(dst) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	// Step 1: decode to linear16.
	switch src.Format {
	case internal_audio.FormatLinear16:
	case internal_audio.FormatMulaw:
		data = g711.DecodeUlaw(data)
	case internal_audio.FormatAlaw:
		data = g711.DecodeAlaw(data)
	default:
		return nil, fmt.Errorf("resample: unsupported source format %s", src.Format)
	}

	samples := utils.PCMToInt16(data)

	// Step 2: channel conversion.
	if src.Channels != dst.Channels {
		samples = convertChannels(samples, src.Channels, dst.Channels)
	}

	// Step 3: sample rate conversion.
	if src.SampleRate != dst.SampleRate {
		converted, err := r.convertRate(samples, src.SampleRate, dst.SampleRate, dst.Channels)
		if err != nil {
			return nil, err
		}
		samples = converted
	}

	return utils.Int16ToPCM(samples), nil
}

// Flush drains the converters' FIR latency tails at end-of-stream and
// returns the remaining interleaved PCM.
func (r *defaultResampler) Flush() ([]byte, error) {
	if len(r.converters) == 0 {
		return nil, nil
	}
	outChans := make([][]float64, len(r.converters))
	for c, res := range r.converters {
		out, err := res.Flush()
		if err != nil {
			return nil, fmt.Errorf("resample: flush: %w", err)
		}
		outChans[c] = out
	}
	r.converters = nil
	return utils.Int16ToPCM(interleave(outChans)), nil
}

// convertRate runs interleaved linear16 samples through the persistent
// per-channel converters. Process takes one mono channel, so interleaved
// input is split per channel and recombined afterwards.
func (r *defaultResampler) convertRate(samples []int16, srcRate, dstRate, channels int) ([]int16, error) {
	if err := r.ensureConverters(srcRate, dstRate, channels); err != nil {
		return nil, err
	}

	frames := len(samples) / channels
	outChans := make([][]float64, channels)
	for c := 0; c < channels; c++ {
		input := make([]float64, frames)
		for f := 0; f < frames; f++ {
			input[f] = float64(samples[f*channels+c]) / float64(math.MaxInt16)
		}
		output, err := r.converters[c].Process(input)
		if err != nil {
			return nil, fmt.Errorf("resample: process %d->%d Hz: %w", srcRate, dstRate, err)
		}
		outChans[c] = output
	}
	return interleave(outChans), nil
}

// ensureConverters (re)builds the per-channel converters when the stream
// geometry changes. For a well-behaved source this happens exactly once.
func (r *defaultResampler) ensureConverters(srcRate, dstRate, channels int) error {
	if len(r.converters) == channels && r.srcRate == srcRate && r.dstRate == dstRate {
		return nil
	}
	converters := make([]audioresampler.Resampler, channels)
	for i := range converters {
		res, err := audioresampler.New(&audioresampler.Config{
			InputRate:  float64(srcRate),
			OutputRate: float64(dstRate),
			Channels:   1,
			Quality:    audioresampler.QualitySpec{Preset: audioresampler.QualityMedium},
		})
		if err != nil {
			return fmt.Errorf("resample: init %d->%d Hz: %w", srcRate, dstRate, err)
		}
		converters[i] = res
	}
	r.converters = converters
	r.srcRate, r.dstRate = srcRate, dstRate
	return nil
}

// interleave clamps per-channel float samples back into interleaved int16.
// Channels are truncated to the shortest output.
func interleave(chans [][]float64) []int16 {
	frames := len(chans[0])
	for _, ch := range chans {
		if len(ch) < frames {
			frames = len(ch)
		}
	}
	out := make([]int16, frames*len(chans))
	for c, ch := range chans {
		for f := 0; f < frames; f++ {
			scaled := ch[f] * float64(math.MaxInt16)
			if scaled > math.MaxInt16 {
				scaled = math.MaxInt16
			} else if scaled < math.MinInt16 {
				scaled = math.MinInt16
			}
			out[f*len(chans)+c] = int16(scaled)
		}
	}
	return out
}

// convertChannels up-mixes mono to interleaved multi-channel by duplication
// and down-mixes by averaging each interleaved frame.
func convertChannels(samples []int16, srcCh, dstCh int) []int16 {
	if srcCh == dstCh || srcCh < 1 || dstCh < 1 {
		return samples
	}

	frames := len(samples) / srcCh
	out := make([]int16, frames*dstCh)
	for f := 0; f < frames; f++ {
		var sum int32
		for c := 0; c < srcCh; c++ {
			sum += int32(samples[f*srcCh+c])
		}
		avg := int16(sum / int32(srcCh))
		for c := 0; c < dstCh; c++ {
			if c < srcCh {
				out[f*dstCh+c] = samples[f*srcCh+c]
			} else {
				out[f*dstCh+c] = avg
			}
		}
		if dstCh < srcCh {
			// Down-mix: every output channel carries the average.
			for c := 0; c < dstCh; c++ {
				out[f*dstCh+c] = avg
			}
		}
	}
	return out
}

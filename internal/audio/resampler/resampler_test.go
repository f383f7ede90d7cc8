// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio_resampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/utils"
)

func newTestResampler(t *testing.T) *defaultResampler {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-resampler"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
	)
	require.NoError(t, err)

	r, err := GetResampler(logger)
	require.NoError(t, err)
	return r.(*defaultResampler)
}

func TestResampleValidation(t *testing.T) {
	r := newTestResampler(t)
	cfg := internal_audio.NewLinear16khzMonoAudioConfig()

	_, err := r.Resample([]byte{0, 0}, nil, cfg)
	assert.Error(t, err, "nil source config")

	_, err = r.Resample([]byte{0, 0}, cfg, internal_audio.NewMulaw8khzMonoAudioConfig())
	assert.Error(t, err, "only linear16 targets are supported")

	out, err := r.Resample(nil, cfg, cfg)
	require.NoError(t, err)
	assert.Nil(t, out, "empty input passes through")
}

func TestResampleSameFormatCopies(t *testing.T) {
	r := newTestResampler(t)
	cfg := internal_audio.NewLinear16khzMonoAudioConfig()

	in := utils.Int16ToPCM([]int16{100, -200, 300})
	out, err := r.Resample(in, cfg, cfg)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// The caller may mutate the input afterwards; the result must not alias.
	in[0] ^= 0xFF
	assert.NotEqual(t, in, out)
}

func TestResampleDecodesMulaw(t *testing.T) {
	r := newTestResampler(t)
	src := internal_audio.NewMulaw8khzMonoAudioConfig()
	dst := &internal_audio.Config{SampleRate: 8000, Channels: 1, Format: internal_audio.FormatLinear16}

	// 0xFF is µ-law zero.
	out, err := r.Resample([]byte{0xFF, 0xFF, 0xFF, 0xFF}, src, dst)
	require.NoError(t, err)

	samples := utils.PCMToInt16(out)
	require.Len(t, samples, 4, "G.711 decode doubles the byte count")
	for _, s := range samples {
		assert.InDelta(t, 0, s, 8, "mu-law silence decodes to near-zero PCM")
	}
}

func TestResampleTelephonyToTarget(t *testing.T) {
	r := newTestResampler(t)
	src := internal_audio.NewMulaw8khzMonoAudioConfig()
	dst := internal_audio.NewLinear16khzMonoAudioConfig()

	// Five 20ms mu-law silence frames through the stateful converter.
	frame := make([]byte, src.DurationBytes(20*time.Millisecond))
	for i := range frame {
		frame[i] = 0xFF // mu-law zero
	}

	total := 0
	for i := 0; i < 5; i++ {
		out, err := r.Resample(frame, src, dst)
		require.NoError(t, err)
		for _, s := range utils.PCMToInt16(out) {
			assert.InDelta(t, 0, s, 1, "silence in, silence out")
		}
		total += len(out) / dst.FrameSize()
	}

	tail, err := r.Flush()
	require.NoError(t, err)
	total += len(tail) / dst.FrameSize()

	// 100ms at 8kHz doubles to ~1600 samples at 16kHz. Filter latency may
	// move samples between frames and the flush tail, not lose them.
	assert.InDelta(t, 1600, total, 128)
}

func TestFlushWithoutRateConversionIsEmpty(t *testing.T) {
	r := newTestResampler(t)
	cfg := internal_audio.NewLinear16khzMonoAudioConfig()

	_, err := r.Resample(utils.Int16ToPCM([]int16{1, 2, 3}), cfg, cfg)
	require.NoError(t, err)

	tail, err := r.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail, "no converter state without a rate change")
}

func TestResampleDownMixesStereo(t *testing.T) {
	r := newTestResampler(t)
	src := internal_audio.NewLinear48khzStereoAudioConfig()
	dst := &internal_audio.Config{SampleRate: 48000, Channels: 1, Format: internal_audio.FormatLinear16}

	in := utils.Int16ToPCM([]int16{100, 300, -100, -300})
	out, err := r.Resample(in, src, dst)
	require.NoError(t, err)

	samples := utils.PCMToInt16(out)
	require.Len(t, samples, 2)
	assert.EqualValues(t, 200, samples[0], "down-mix averages the interleaved frame")
	assert.EqualValues(t, -200, samples[1])
}

func TestConvertChannelsMonoToStereo(t *testing.T) {
	out := convertChannels([]int16{100, -200}, 1, 2)
	assert.Equal(t, []int16{100, 100, -200, -200}, out, "mono up-mix duplicates each sample")
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_muxer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
)

// countingEncoder stands in for a continuous container encode stream. The
// test drops fragment files into the output directory itself, the way a
// real container emits them as an encode side effect.
type countingEncoder struct {
	writes int
	closed bool
}

func (e *countingEncoder) WriteVideo(frame internal_type.VideoFrame) error { e.writes++; return nil }

func (e *countingEncoder) WriteAudio(frame internal_type.PCMFrame) error { e.writes++; return nil }

func (e *countingEncoder) Close() error { e.closed = true; return nil }

func newTestFragmentMuxer(t *testing.T, dir string) (*FragmentMuxer, *countingEncoder, *fakeClock) {
	t.Helper()
	enc := &countingEncoder{}
	factory := func(path string, video *internal_type.VideoInfo, audio *internal_audio.Config) (internal_type.SegmentEncoder, error) {
		assert.Equal(t, dir, path, "the continuous encoder is pointed at the directory")
		return enc, nil
	}
	m, err := NewFragmentMuxer(newTestLogger(t), Config{
		OutputDir:       dir,
		SegmentDuration: time.Second,
		MinOrphanBytes:  100,
	}, factory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)

	fc := newFakeClock()
	m.clock = fc.clock
	return m, enc, fc
}

func writeFragment(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
}

func TestFragmentDetectionTracksEmittedFiles(t *testing.T) {
	dir := t.TempDir()
	m, enc, fc := newTestFragmentMuxer(t, dir)

	fc.at(time.Second)
	require.NoError(t, m.SendAudioFrame(audioFrame(0)))
	assert.Equal(t, 1, enc.writes)
	assert.Empty(t, m.CompletedSegments())

	// The container emits two fragments; an in-progress one stays .tmp.
	writeFragment(t, dir, "segment_001.m4s", 200)
	writeFragment(t, dir, "segment_002.m4s", 150)
	writeFragment(t, dir, "segment_003.m4s.tmp", 120)

	fc.at(2 * time.Second)
	require.NoError(t, m.SendAudioFrame(audioFrame(time.Second)))

	segments := m.CompletedSegments()
	require.Len(t, segments, 2, "in-progress .tmp output is not a completed fragment")
	assert.Equal(t, uint32(1), segments[0].Index)
	assert.Equal(t, uint32(2), segments[1].Index)
	assert.Equal(t, time.Second, segments[0].Duration, "detected fragments carry the nominal duration")

	manifest, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.False(t, manifest.IsComplete, "mid-recording manifest must not claim completeness")
	assert.Len(t, manifest.Segments, 2)
}

func TestFragmentScanIsRateLimited(t *testing.T) {
	dir := t.TempDir()
	m, _, fc := newTestFragmentMuxer(t, dir)

	fc.at(time.Second)
	require.NoError(t, m.SendAudioFrame(audioFrame(0)))

	writeFragment(t, dir, "segment_001.m4s", 200)

	// Within the scan interval the new file goes unnoticed.
	fc.at(time.Second + 100*time.Millisecond)
	require.NoError(t, m.SendAudioFrame(audioFrame(100*time.Millisecond)))
	assert.Empty(t, m.CompletedSegments())

	// Past the interval it is picked up.
	fc.at(2 * time.Second)
	require.NoError(t, m.SendAudioFrame(audioFrame(200*time.Millisecond)))
	assert.Len(t, m.CompletedSegments(), 1)
}

func TestFragmentFinishPromotesInProgressOutput(t *testing.T) {
	dir := t.TempDir()
	m, enc, fc := newTestFragmentMuxer(t, dir)

	fc.at(time.Second)
	require.NoError(t, m.SendAudioFrame(audioFrame(0)))

	writeFragment(t, dir, "segment_001.m4s", 200)
	writeFragment(t, dir, "segment_002.m4s", 150)

	fc.at(2 * time.Second)
	require.NoError(t, m.SendAudioFrame(audioFrame(time.Second)))
	require.Len(t, m.CompletedSegments(), 2)

	writeFragment(t, dir, "segment_003.m4s.tmp", 120)

	// 2.5s of wall clock since the first frame, 2s covered by detected
	// fragments: the trailing fragment is estimated at 500ms.
	fc.at(3500 * time.Millisecond)
	require.NoError(t, m.Finish())
	assert.True(t, enc.closed)

	segments := m.CompletedSegments()
	require.Len(t, segments, 3)
	assert.Equal(t, uint32(3), segments[2].Index)
	assert.Equal(t, 500*time.Millisecond, segments[2].Duration)
	assert.FileExists(t, filepath.Join(dir, "segment_003.m4s"))
	assert.NoFileExists(t, filepath.Join(dir, "segment_003.m4s.tmp"))

	manifest := m.Manifest()
	require.NotNil(t, manifest)
	assert.True(t, manifest.IsComplete)
	require.NotNil(t, manifest.TotalDuration)
	assert.InDelta(t, 2.5, *manifest.TotalDuration, 1e-9)

	require.NoError(t, m.Finish(), "finish is idempotent")
	assert.Same(t, manifest, m.Manifest())
}

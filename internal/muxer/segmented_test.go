// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_muxer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-muxer"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
	)
	require.NoError(t, err)
	return logger
}

type fakeClock struct {
	epoch time.Time
	now   time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{epoch: time.Unix(1700000000, 0)}
}

func (c *fakeClock) at(d time.Duration) { c.now = d }
func (c *fakeClock) clock() time.Time   { return c.epoch.Add(c.now) }

// fileEncoder appends frame payloads to the segment file.
type fileEncoder struct {
	f *os.File
}

func fileEncoderFactory(path string, video *internal_type.VideoInfo, audio *internal_audio.Config) (internal_type.SegmentEncoder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileEncoder{f: f}, nil
}

func (e *fileEncoder) WriteVideo(frame internal_type.VideoFrame) error {
	_, err := e.f.Write(frame.Data)
	return err
}

func (e *fileEncoder) WriteAudio(frame internal_type.PCMFrame) error {
	_, err := e.f.Write(frame.Data)
	return err
}

func (e *fileEncoder) Close() error {
	if err := e.f.Sync(); err != nil {
		e.f.Close()
		return err
	}
	return e.f.Close()
}

func videoFrame(ts time.Duration) internal_type.VideoFrame {
	return internal_type.VideoFrame{Data: make([]byte, 256), Timestamp: ts}
}

func audioFrame(ts time.Duration) internal_type.PCMFrame {
	return internal_type.PCMFrame{Data: make([]byte, 640), Timestamp: ts}
}

func testVideoInfo() *internal_type.VideoInfo {
	return &internal_type.VideoInfo{Width: 1920, Height: 1080, FrameRate: 30, Codec: "h264"}
}

func TestNewSegmentedMuxerValidation(t *testing.T) {
	logger := newTestLogger(t)
	cfg := Config{OutputDir: t.TempDir()}

	var setupErr *internal_type.SetupError

	_, err := NewSegmentedMuxer(logger, cfg, nil, testVideoInfo(), nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &setupErr, "nil factory must fail at construction")

	_, err = NewSegmentedMuxer(logger, cfg, fileEncoderFactory, nil, nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &setupErr, "a muxer with no streams is unusable")

	_, err = NewSegmentedMuxer(logger, Config{}, fileEncoderFactory, testVideoInfo(), nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, &setupErr, "missing output directory must fail at construction")
}

func TestSegmentRotationProducesBoundedSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir:       dir,
		SegmentDuration: 3 * time.Second,
	}, fileEncoderFactory, testVideoInfo(), nil)
	require.NoError(t, err)

	// 10 seconds of video at 30 fps.
	const frameInterval = time.Second / 30
	for i := 0; i < 300; i++ {
		require.NoError(t, m.SendVideoFrame(videoFrame(time.Duration(i)*frameInterval)))
	}
	require.NoError(t, m.Finish())

	segments := m.CompletedSegments()
	require.Len(t, segments, 4)

	for i, seg := range segments {
		assert.Equal(t, uint32(i+1), seg.Index, "indices are 1-based and ascending")
		assert.True(t, seg.IsComplete)
		assert.Greater(t, seg.ByteSize, int64(0))
		assert.FileExists(t, seg.Path)
		assert.Equal(t, segmentFileName(seg.Index, ".m4s"), filepath.Base(seg.Path))
	}
	for _, seg := range segments[:3] {
		assert.InDelta(t, 3.0, seg.Duration.Seconds(), 0.05, "rotated segments honor the bound")
	}
	assert.InDelta(t, 1.0, segments[3].Duration.Seconds(), 0.2, "final partial segment keeps the tail")

	// No in-progress leftovers after a clean Finish.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, tmpSuffix, filepath.Ext(entry.Name()))
	}

	manifest, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, ManifestVersion, manifest.Version)
	assert.True(t, manifest.IsComplete)
	require.Len(t, manifest.Segments, 4)
	require.NotNil(t, manifest.TotalDuration)
	assert.InDelta(t, 10.0, *manifest.TotalDuration, 0.2)
}

func TestFinishIsIdempotent(t *testing.T) {
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir: t.TempDir(),
	}, fileEncoderFactory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)

	require.NoError(t, m.SendAudioFrame(audioFrame(0)))
	require.NoError(t, m.SendAudioFrame(audioFrame(time.Second)))

	require.NoError(t, m.Finish())
	first := m.CompletedSegments()
	manifest := m.Manifest()
	require.NotNil(t, manifest)

	require.NoError(t, m.Finish(), "second Finish must return the same result")
	assert.Equal(t, first, m.CompletedSegments())
	assert.Same(t, manifest, m.Manifest())
}

func TestSendAfterFinishIsStreamError(t *testing.T) {
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir: t.TempDir(),
	}, fileEncoderFactory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)
	require.NoError(t, m.Finish())

	err = m.SendAudioFrame(audioFrame(0))
	require.Error(t, err)

	var streamErr *internal_type.StreamError
	assert.ErrorAs(t, err, &streamErr)
}

func TestRecoveryAdoptsViableOrphans(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir:       dir,
		SegmentDuration: 3 * time.Second,
		MinOrphanBytes:  100,
	}, fileEncoderFactory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)

	require.NoError(t, m.SendAudioFrame(audioFrame(0)))
	require.NoError(t, m.SendAudioFrame(audioFrame(time.Second)))

	// Leftovers from a previous crashed run of the same recording.
	write := func(name string, size int) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
	}
	write("segment_005.m4s", 200)     // viable orphan
	write("segment_006.m4s", 10)      // below minimum, discarded
	write("segment_007.m4s.tmp", 150) // in-progress, promoted
	write("segment_008.m4s.tmp", 0)   // empty leftover, ignored
	write("notes.txt", 50)            // foreign file

	require.NoError(t, m.Finish())

	segments := m.CompletedSegments()
	require.Len(t, segments, 3)
	assert.Equal(t, uint32(1), segments[0].Index)
	assert.Equal(t, uint32(5), segments[1].Index)
	assert.Equal(t, uint32(7), segments[2].Index)

	assert.Equal(t, 3*time.Second, segments[1].Duration, "orphans get the nominal duration")
	assert.FileExists(t, filepath.Join(dir, "segment_007.m4s"), "non-empty .tmp must be promoted")
	assert.NoFileExists(t, filepath.Join(dir, "segment_007.m4s.tmp"))
}

func TestRecoveryNeverClobbersFinalizedSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir:       dir,
		SegmentDuration: 3 * time.Second,
		MinOrphanBytes:  1,
	}, fileEncoderFactory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)

	// Rotate once so segment_001.m4s is finalized.
	require.NoError(t, m.SendAudioFrame(audioFrame(0)))
	require.NoError(t, m.SendAudioFrame(audioFrame(3500*time.Millisecond)))

	finalized := filepath.Join(dir, "segment_001.m4s")
	info, err := os.Stat(finalized)
	require.NoError(t, err)
	goodSize := info.Size()

	// A stale in-progress duplicate of the same index, e.g. left behind
	// by an earlier crashed run of the recording.
	stale := finalized + tmpSuffix
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o644))

	require.NoError(t, m.Finish())

	segments := m.CompletedSegments()
	require.Len(t, segments, 2)

	info, err = os.Stat(finalized)
	require.NoError(t, err)
	assert.Equal(t, goodSize, info.Size(), "the finalized segment must keep its data")
	assert.FileExists(t, stale, "the stale duplicate is left alone, never renamed over the good file")
}

// slowCloseEncoder simulates an encoder whose finalize outlives the join
// timeout, forcing the abandon path.
type slowCloseEncoder struct {
	fileEncoder
	delay time.Duration
}

func slowCloseFactory(delay time.Duration) internal_type.EncoderFactory {
	return func(path string, video *internal_type.VideoInfo, audio *internal_audio.Config) (internal_type.SegmentEncoder, error) {
		enc, err := fileEncoderFactory(path, video, audio)
		if err != nil {
			return nil, err
		}
		return &slowCloseEncoder{fileEncoder: *enc.(*fileEncoder), delay: delay}, nil
	}
}

func (e *slowCloseEncoder) Close() error {
	time.Sleep(e.delay)
	return e.fileEncoder.Close()
}

func TestAbandonedEncoderLeavesRecoverableSegment(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeClock()
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir:          dir,
		SegmentDuration:    3 * time.Second,
		MinOrphanBytes:     100,
		EncoderJoinTimeout: 50 * time.Millisecond,
	}, slowCloseFactory(2*time.Second), nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)
	m.clock = fc.clock

	fc.at(0)
	require.NoError(t, m.SendAudioFrame(audioFrame(0)))
	fc.at(1500 * time.Millisecond)

	require.NoError(t, m.Finish())

	// The stuck worker was abandoned, its .tmp adopted by the recovery
	// scan with a wall-clock duration estimate.
	segments := m.CompletedSegments()
	require.Len(t, segments, 1)
	assert.Equal(t, uint32(1), segments[0].Index)
	assert.Equal(t, 1500*time.Millisecond, segments[0].Duration)
	assert.FileExists(t, filepath.Join(dir, "segment_001.m4s"))
}

func TestEncoderOpenFailureIsStreamError(t *testing.T) {
	failFactory := func(path string, video *internal_type.VideoInfo, audio *internal_audio.Config) (internal_type.SegmentEncoder, error) {
		return nil, fmt.Errorf("no such device")
	}
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir: t.TempDir(),
	}, failFactory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err, "the factory only runs when the first frame arrives")

	err = m.SendAudioFrame(audioFrame(0))
	require.Error(t, err)

	var streamErr *internal_type.StreamError
	assert.ErrorAs(t, err, &streamErr)
}

// failWriteEncoder accepts the file but rejects every frame write.
type failWriteEncoder struct {
	fileEncoder
}

func failWriteFactory(path string, video *internal_type.VideoInfo, audio *internal_audio.Config) (internal_type.SegmentEncoder, error) {
	enc, err := fileEncoderFactory(path, video, audio)
	if err != nil {
		return nil, err
	}
	return &failWriteEncoder{fileEncoder: *enc.(*fileEncoder)}, nil
}

func (e *failWriteEncoder) WriteAudio(frame internal_type.PCMFrame) error {
	return fmt.Errorf("encode failed")
}

func TestMidStreamEncodeFailureSurfacesAndPreservesSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSegmentedMuxer(newTestLogger(t), Config{
		OutputDir: dir,
	}, failWriteFactory, nil, internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)

	// The first send is accepted into the worker queue; the failure
	// surfaces on a subsequent send once the worker has hit it.
	require.NoError(t, m.SendAudioFrame(audioFrame(0)))
	require.Eventually(t, func() bool {
		return m.SendAudioFrame(audioFrame(time.Millisecond)) != nil
	}, time.Second, 5*time.Millisecond, "worker failure must surface on the send path")

	require.NoError(t, m.Finish(), "finish still finalizes whatever was flushed")
	assert.FileExists(t, filepath.Join(dir, "segment_001.m4s"))
}

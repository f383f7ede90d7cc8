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
	"sync"
	"time"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

// Compile-time interface assertion.
var _ internal_type.Muxer = (*SegmentedMuxer)(nil)

// activeSegment is the segment currently receiving frames.
type activeSegment struct {
	index     uint32
	path      string // final path; the worker writes to path+".tmp"
	startTS   time.Duration
	lastTS    time.Duration
	startedAt time.Time // wall clock, for crash-recovery duration estimates
	worker    *segmentWorker
}

// SegmentedMuxer is the segment-owning muxer shape: it creates a fresh
// encoder+container per rotation, writes bounded-duration playable
// segments plus a durable manifest, and survives process crashes without
// losing already-flushed data.
//
// State machine: NoSegment → ActiveSegment (first frame) → [rotate] → …
// → Finished (explicit Finish: flush, finalize, recovery-scan, final
// manifest). All methods serialize through one mutex; the muxer is the
// only resource shared between pipeline tasks.
type SegmentedMuxer struct {
	logger  commons.Logger
	cfg     Config
	factory internal_type.EncoderFactory
	video   *internal_type.VideoInfo
	audio   *internal_audio.Config

	mu        sync.Mutex
	nextIndex uint32
	active    *activeSegment
	completed []Segment

	finished      bool
	finishErr     error
	finalSegments []Segment
	finalManifest *Manifest

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// NewSegmentedMuxer validates the output location and constructs the
// muxer. No segment exists until the first frame arrives. An unusable
// output directory or an empty stream configuration is a SetupError.
func NewSegmentedMuxer(
	logger commons.Logger,
	cfg Config,
	factory internal_type.EncoderFactory,
	video *internal_type.VideoInfo,
	audio *internal_audio.Config,
) (*SegmentedMuxer, error) {
	if factory == nil {
		return nil, internal_type.NewSetupError("muxer", fmt.Errorf("nil encoder factory"))
	}
	if video == nil && audio == nil {
		return nil, internal_type.NewSetupError("muxer", fmt.Errorf("neither video nor audio configured"))
	}
	cfg = cfg.withDefaults()
	if cfg.OutputDir == "" {
		return nil, internal_type.NewSetupError("muxer", fmt.Errorf("no output directory"))
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, internal_type.NewSetupError("muxer", err)
	}

	return &SegmentedMuxer{
		logger:    logger,
		cfg:       cfg,
		factory:   factory,
		video:     video,
		audio:     audio,
		nextIndex: 1,
		clock:     time.Now,
	}, nil
}

// SendVideoFrame writes an encoded video frame at an epoch-relative,
// pause-adjusted timestamp, opening or rotating segments as needed.
func (m *SegmentedMuxer) SendVideoFrame(frame internal_type.VideoFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendLocked(muxFrame{video: &frame}, frame.Timestamp)
}

// SendAudioFrame writes a mixed audio frame at an epoch-relative,
// pause-adjusted timestamp.
func (m *SegmentedMuxer) SendAudioFrame(frame internal_type.PCMFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendLocked(muxFrame{audio: &frame}, frame.Timestamp)
}

func (m *SegmentedMuxer) sendLocked(f muxFrame, ts time.Duration) error {
	if m.finished {
		return internal_type.NewStreamError("segment write", fmt.Errorf("muxer already finished"))
	}

	if m.active == nil {
		if err := m.openSegmentLocked(ts); err != nil {
			return err
		}
	} else if ts-m.active.startTS >= m.cfg.SegmentDuration {
		if err := m.rotateLocked(ts); err != nil {
			return err
		}
	}

	if err := m.active.worker.send(f); err != nil {
		return internal_type.NewStreamError("segment write", err)
	}
	if ts > m.active.lastTS {
		m.active.lastTS = ts
	}
	return nil
}

// openSegmentLocked starts the next segment and its encoder thread.
func (m *SegmentedMuxer) openSegmentLocked(startTS time.Duration) error {
	index := m.nextIndex
	path := segmentPath(m.cfg.OutputDir, index, m.cfg.SegmentExtension)

	worker, err := startSegmentWorker(m.factory, path+tmpSuffix, m.video, m.audio, m.cfg.FrameChannelSize)
	if err != nil {
		return internal_type.NewStreamError("segment open", err)
	}

	m.active = &activeSegment{
		index:     index,
		path:      path,
		startTS:   startTS,
		lastTS:    startTS,
		startedAt: m.clock(),
		worker:    worker,
	}
	m.nextIndex = index + 1
	m.logger.Infow("Opened segment", "index", index, "path", path, "start", startTS)
	return nil
}

// rotateLocked finalizes the outgoing segment and opens the next one. The
// outgoing encoder thread is joined synchronously (with a timeout) before
// the incoming encoder starts, so two encoders never contend for the same
// GPU concurrently.
func (m *SegmentedMuxer) rotateLocked(boundaryTS time.Duration) error {
	m.closeActiveLocked(boundaryTS)
	return m.openSegmentLocked(boundaryTS)
}

// closeActiveLocked tears down the active segment: close the feed, join
// the worker with a bounded timeout, rename .tmp to final, fsync, record
// the completed entry and rewrite the manifest.
//
// endTS is the media timestamp the segment's duration is measured to (the
// rotation boundary, or the last written timestamp at Finish).
func (m *SegmentedMuxer) closeActiveLocked(endTS time.Duration) {
	active := m.active
	if active == nil {
		return
	}
	m.active = nil

	err, joined := active.worker.stop(m.cfg.EncoderJoinTimeout)
	if !joined {
		// Abandon the thread rather than block shutdown. The .tmp file is
		// left behind for the recovery scan to adopt.
		m.logger.Warnw("Segment encoder did not stop in time, abandoning thread",
			"index", active.index, "timeout", m.cfg.EncoderJoinTimeout)
		return
	}
	if err != nil {
		m.logger.Errorw("Segment encoder reported failure, keeping flushed data",
			"index", active.index, "error", err)
	}

	tmp := active.path + tmpSuffix
	if err := os.Rename(tmp, active.path); err != nil {
		m.logger.Errorw("Failed to finalize segment file", "path", tmp, "error", err)
		return
	}
	if f, err := os.Open(active.path); err == nil {
		f.Sync()
		f.Close()
	}
	syncDir(filepath.Dir(active.path))

	var size int64
	if info, err := os.Stat(active.path); err == nil {
		size = info.Size()
	}

	duration := endTS - active.startTS
	if duration < 0 {
		duration = 0
	}
	m.completed = append(m.completed, Segment{
		Path:       active.path,
		Index:      active.index,
		Duration:   duration,
		ByteSize:   size,
		IsComplete: true,
	})
	m.logger.Infow("Finalized segment",
		"index", active.index, "duration", duration, "size", size)

	if err := writeManifestAtomic(m.cfg.OutputDir,
		buildManifest(m.cfg.ManifestType, m.cfg.InitSegment, m.completed, false)); err != nil {
		m.logger.Errorw("Manifest rewrite failed", "error", err)
	}
}

// Finish flushes and finalizes the active segment, runs the crash-recovery
// scan over the output directory, and writes the final manifest with
// is_complete=true. Finish is idempotent: a second call returns the
// identical completed-segment list and manifest.
func (m *SegmentedMuxer) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return m.finishErr
	}
	m.finished = true

	var hint *activeOrphanHint
	if m.active != nil {
		hint = &activeOrphanHint{
			index:   m.active.index,
			elapsed: m.clock().Sub(m.active.startedAt),
		}
		m.closeActiveLocked(m.active.lastTS)
	}

	m.finalSegments = adoptOrphans(m.logger, m.cfg, m.completed, hint)
	m.finalManifest = buildManifest(m.cfg.ManifestType, m.cfg.InitSegment, m.finalSegments, true)

	if err := writeManifestAtomic(m.cfg.OutputDir, m.finalManifest); err != nil {
		m.finishErr = internal_type.NewStreamError("final manifest", err)
	}
	m.logger.Infow("Muxer finished", "segments", len(m.finalSegments))
	return m.finishErr
}

// CompletedSegments returns the completed list: the final recovered list
// after Finish, the rolling list before.
func (m *SegmentedMuxer) CompletedSegments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.completed
	if m.finished {
		src = m.finalSegments
	}
	out := make([]Segment, len(src))
	copy(out, src)
	return out
}

// Manifest returns the final manifest after Finish, nil before.
func (m *SegmentedMuxer) Manifest() *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalManifest
}

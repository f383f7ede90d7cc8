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
var _ internal_type.Muxer = (*FragmentMuxer)(nil)

// FragmentMuxer is the fragment-detecting muxer shape: the underlying
// container emits segment files into the output directory as a side
// effect of one continuous encode stream (DASH-style). This muxer never
// creates segments itself — it detects newly appeared segment files,
// records their metadata, and rewrites the manifest.
type FragmentMuxer struct {
	logger  commons.Logger
	cfg     Config
	encoder internal_type.SegmentEncoder

	mu        sync.Mutex
	completed []Segment
	lastScan  time.Time
	startedAt time.Time
	hasFrames bool

	finished      bool
	finishErr     error
	finalManifest *Manifest

	clock func() time.Time
}

// fragmentScanInterval rate-limits directory scans on the send path.
const fragmentScanInterval = 500 * time.Millisecond

// NewFragmentMuxer opens the continuous encoder via factory (pointed at
// the output directory; the container owns segment file naming) and
// starts watching for emitted fragments.
func NewFragmentMuxer(
	logger commons.Logger,
	cfg Config,
	factory internal_type.EncoderFactory,
	video *internal_type.VideoInfo,
	audio *internal_audio.Config,
) (*FragmentMuxer, error) {
	if factory == nil {
		return nil, internal_type.NewSetupError("fragment muxer", fmt.Errorf("nil encoder factory"))
	}
	if video == nil && audio == nil {
		return nil, internal_type.NewSetupError("fragment muxer", fmt.Errorf("neither video nor audio configured"))
	}
	cfg = cfg.withDefaults()
	if cfg.OutputDir == "" {
		return nil, internal_type.NewSetupError("fragment muxer", fmt.Errorf("no output directory"))
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, internal_type.NewSetupError("fragment muxer", err)
	}

	encoder, err := factory(cfg.OutputDir, video, audio)
	if err != nil {
		return nil, internal_type.NewSetupError("fragment muxer", err)
	}

	return &FragmentMuxer{
		logger:  logger,
		cfg:     cfg,
		encoder: encoder,
		clock:   time.Now,
	}, nil
}

// SendVideoFrame forwards a frame into the continuous encode stream and
// opportunistically detects newly emitted segment files.
func (m *FragmentMuxer) SendVideoFrame(frame internal_type.VideoFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeLocked(func() error { return m.encoder.WriteVideo(frame) }); err != nil {
		return err
	}
	m.detectLocked(false)
	return nil
}

// SendAudioFrame forwards a frame into the continuous encode stream.
func (m *FragmentMuxer) SendAudioFrame(frame internal_type.PCMFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeLocked(func() error { return m.encoder.WriteAudio(frame) }); err != nil {
		return err
	}
	m.detectLocked(false)
	return nil
}

func (m *FragmentMuxer) writeLocked(write func() error) error {
	if m.finished {
		return internal_type.NewStreamError("fragment write", fmt.Errorf("muxer already finished"))
	}
	if !m.hasFrames {
		m.hasFrames = true
		m.startedAt = m.clock()
	}
	if err := write(); err != nil {
		return internal_type.NewStreamError("fragment write", err)
	}
	return nil
}

// detectLocked scans the output directory for segment files not yet in
// the completed list. Scans are rate-limited unless forced. Files still
// carrying the .tmp suffix are the container's in-progress output and are
// left alone here — only the Finish-time recovery scan promotes them.
func (m *FragmentMuxer) detectLocked(force bool) {
	now := m.clock()
	if !force && now.Sub(m.lastScan) < fragmentScanInterval {
		return
	}
	m.lastScan = now

	entries, err := os.ReadDir(m.cfg.OutputDir)
	if err != nil {
		m.logger.Warnw("Fragment scan failed", "dir", m.cfg.OutputDir, "error", err)
		return
	}

	known := make(map[uint32]bool, len(m.completed))
	for _, seg := range m.completed {
		known[seg.Index] = true
	}

	changed := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == tmpSuffix {
			continue
		}
		index, ok := parseSegmentIndex(name, m.cfg.SegmentExtension)
		if !ok || known[index] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		m.completed = append(m.completed, Segment{
			Path:       filepath.Join(m.cfg.OutputDir, name),
			Index:      index,
			Duration:   m.cfg.SegmentDuration,
			ByteSize:   info.Size(),
			IsComplete: true,
		})
		known[index] = true
		changed = true
		m.logger.Debugw("Detected emitted segment", "name", name, "index", index)
	}

	if changed {
		sortSegments(m.completed)
		if err := writeManifestAtomic(m.cfg.OutputDir,
			buildManifest(m.cfg.ManifestType, m.cfg.InitSegment, m.completed, false)); err != nil {
			m.logger.Errorw("Manifest rewrite failed", "error", err)
		}
	}
}

// Finish closes the continuous encoder, runs a final detection pass plus
// the recovery scan, and writes the complete manifest. Idempotent.
func (m *FragmentMuxer) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return m.finishErr
	}
	m.finished = true

	if err := m.encoder.Close(); err != nil {
		m.logger.Errorw("Encoder close failed, keeping flushed fragments", "error", err)
	}

	m.detectLocked(true)

	var hint *activeOrphanHint
	if n := len(m.completed); m.hasFrames {
		// The newest on-disk orphan is the fragment that was still being
		// written; estimate its duration from wall-clock elapsed time
		// beyond the already-detected fragments.
		elapsed := m.clock().Sub(m.startedAt)
		covered := time.Duration(n) * m.cfg.SegmentDuration
		remainder := elapsed - covered
		if remainder < 0 {
			remainder = 0
		}
		hint = &activeOrphanHint{index: uint32(n + 1), elapsed: remainder}
	}

	m.completed = adoptOrphans(m.logger, m.cfg, m.completed, hint)
	m.finalManifest = buildManifest(m.cfg.ManifestType, m.cfg.InitSegment, m.completed, true)
	if err := writeManifestAtomic(m.cfg.OutputDir, m.finalManifest); err != nil {
		m.finishErr = internal_type.NewStreamError("final manifest", err)
	}
	m.logger.Infow("Fragment muxer finished", "segments", len(m.completed))
	return m.finishErr
}

// CompletedSegments returns a copy of the detected segment list.
func (m *FragmentMuxer) CompletedSegments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Segment, len(m.completed))
	copy(out, m.completed)
	return out
}

// Manifest returns the final manifest after Finish, nil before.
func (m *FragmentMuxer) Manifest() *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalManifest
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_muxer

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rapidaai/recorder/pkg/commons"
)

// activeOrphanHint tells the recovery scan which index (if any) belongs to
// the segment that was still active, and how long it had been running.
// Its recovered duration is estimated from wall-clock elapsed time rather
// than replaying encoded timestamps — a known approximation.
type activeOrphanHint struct {
	index   uint32
	elapsed time.Duration
}

// adoptOrphans scans dir for segment files absent from completed and
// returns the merged, index-ascending segment list.
//
// Non-empty .tmp files are renamed to their final name and fsync'd before
// being considered. Orphans under cfg.MinOrphanBytes are discarded as
// noise — logged, never surfaced as an error. The active orphan's duration
// comes from the hint; every other orphan is assumed to have reached the
// nominal segment duration.
func adoptOrphans(logger commons.Logger, cfg Config, completed []Segment, active *activeOrphanHint) []Segment {
	entries, err := os.ReadDir(cfg.OutputDir)
	if err != nil {
		logger.Warnw("Recovery scan failed, keeping in-memory segment list", "dir", cfg.OutputDir, "error", err)
		out := make([]Segment, len(completed))
		copy(out, completed)
		sortSegments(out)
		return out
	}

	known := make(map[uint32]bool, len(completed))
	for _, seg := range completed {
		known[seg.Index] = true
	}

	merged := make([]Segment, len(completed))
	copy(merged, completed)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		index, ok := parseSegmentIndex(name, cfg.SegmentExtension)
		if !ok {
			continue
		}

		// Duplicates of an already-finalized index must be skipped before
		// any rename: a stale .tmp must never clobber the good file.
		if known[index] {
			continue
		}

		path := filepath.Join(cfg.OutputDir, name)

		if strings.HasSuffix(name, tmpSuffix) {
			finalized, ok := finalizeTmp(logger, path)
			if !ok {
				continue
			}
			path = finalized
		}

		info, err := os.Stat(path)
		if err != nil {
			logger.Warnw("Skipping unreadable orphan", "path", path, "error", err)
			continue
		}
		if info.Size() < cfg.MinOrphanBytes {
			logger.Warnw("Discarding orphan below minimum viable size",
				"path", path, "size", info.Size(), "min", cfg.MinOrphanBytes)
			continue
		}

		duration := cfg.SegmentDuration
		if active != nil && active.index == index {
			duration = active.elapsed
		}

		logger.Infow("Adopting orphan segment", "path", path, "index", index, "duration", duration)
		merged = append(merged, Segment{
			Path:       path,
			Index:      index,
			Duration:   duration,
			ByteSize:   info.Size(),
			IsComplete: true,
		})
		known[index] = true
	}

	sortSegments(merged)
	return merged
}

// finalizeTmp promotes a .tmp segment to its final name. Empty leftovers
// are ignored; the rename is fsync'd through the parent directory.
func finalizeTmp(logger commons.Logger, tmpPath string) (string, bool) {
	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		logger.Warnw("Ignoring empty in-progress segment", "path", tmpPath)
		return "", false
	}

	final := strings.TrimSuffix(tmpPath, tmpSuffix)
	if err := os.Rename(tmpPath, final); err != nil {
		logger.Warnw("Failed to finalize in-progress segment", "path", tmpPath, "error", err)
		return "", false
	}
	if f, err := os.Open(final); err == nil {
		f.Sync()
		f.Close()
	}
	syncDir(filepath.Dir(final))
	return final, true
}

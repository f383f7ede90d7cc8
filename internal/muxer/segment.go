// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_muxer

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// segmentPrefix is the common stem of every segment file name.
	segmentPrefix = "segment_"

	// tmpSuffix marks an in-progress segment until it is finalized.
	tmpSuffix = ".tmp"
)

// Segment is one bounded-duration slice of the recording.
type Segment struct {
	Path       string
	Index      uint32
	Duration   time.Duration
	ByteSize   int64
	IsComplete bool
}

// Config drives both muxer shapes.
type Config struct {
	// OutputDir receives the segment files and the manifest.
	OutputDir string

	// SegmentDuration is the nominal bounded duration per segment.
	SegmentDuration time.Duration

	// SegmentExtension is the final segment suffix, e.g. ".m4s".
	SegmentExtension string

	// InitSegment optionally names a shared initialization segment
	// (fragment-detecting shape).
	InitSegment string

	// ManifestType is the manifest "type" field, e.g. "fmp4".
	ManifestType string

	// MinOrphanBytes is the minimum viable orphan size during recovery;
	// smaller leftovers are discarded as noise.
	MinOrphanBytes int64

	// EncoderJoinTimeout bounds how long rotation and shutdown wait for a
	// segment encoder thread before abandoning it.
	EncoderJoinTimeout time.Duration

	// FrameChannelSize is the bounded feed into a segment worker.
	FrameChannelSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SegmentDuration <= 0 {
		out.SegmentDuration = 3 * time.Second
	}
	if out.SegmentExtension == "" {
		out.SegmentExtension = ".m4s"
	}
	if out.ManifestType == "" {
		out.ManifestType = "fmp4"
	}
	if out.MinOrphanBytes <= 0 {
		out.MinOrphanBytes = 100
	}
	if out.EncoderJoinTimeout <= 0 {
		out.EncoderJoinTimeout = 5 * time.Second
	}
	if out.FrameChannelSize <= 0 {
		out.FrameChannelSize = 256
	}
	return out
}

// segmentFileName renders the zero-padded name for a segment index.
func segmentFileName(index uint32, ext string) string {
	return fmt.Sprintf("%s%03d%s", segmentPrefix, index, ext)
}

// parseSegmentIndex extracts the index from a segment file name (with or
// without a trailing .tmp suffix). ok=false for foreign files.
func parseSegmentIndex(name, ext string) (uint32, bool) {
	name = strings.TrimSuffix(name, tmpSuffix)
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, ext) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), ext)
	idx, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(idx), true
}

// segmentPath returns the final path for a segment index.
func segmentPath(dir string, index uint32, ext string) string {
	return filepath.Join(dir, segmentFileName(index, ext))
}

// sortSegments orders segments ascending by index.
func sortSegments(segments []Segment) {
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Index < segments[j].Index
	})
}

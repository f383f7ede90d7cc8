// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_muxer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestVersion is the current on-disk manifest schema version.
const ManifestVersion = 1

// ManifestFileName is the durable JSON index written next to the segments.
const ManifestFileName = "manifest.json"

// Manifest is the durable JSON index of all segments, used for progressive
// playback or reassembly. Readers must tolerate is_complete=false while a
// recording is still in progress.
type Manifest struct {
	Version       int               `json:"version"`
	Type          string            `json:"type"`
	InitSegment   string            `json:"init_segment,omitempty"`
	Segments      []ManifestSegment `json:"segments"`
	TotalDuration *float64          `json:"total_duration,omitempty"`
	IsComplete    bool              `json:"is_complete"`
}

// ManifestSegment is one completed segment entry.
type ManifestSegment struct {
	Path       string  `json:"path"`
	Index      uint32  `json:"index"`
	Duration   float64 `json:"duration"` // seconds
	IsComplete bool    `json:"is_complete"`
	FileSize   int64   `json:"file_size,omitempty"`
}

// buildManifest renders the completed-segment list as a manifest. The
// final manifest (complete=true) additionally carries total_duration.
func buildManifest(manifestType, initSegment string, segments []Segment, complete bool) *Manifest {
	m := &Manifest{
		Version:     ManifestVersion,
		Type:        manifestType,
		InitSegment: initSegment,
		Segments:    make([]ManifestSegment, 0, len(segments)),
		IsComplete:  complete,
	}
	var total float64
	for _, seg := range segments {
		m.Segments = append(m.Segments, ManifestSegment{
			Path:       filepath.Base(seg.Path),
			Index:      seg.Index,
			Duration:   seg.Duration.Seconds(),
			IsComplete: seg.IsComplete,
			FileSize:   seg.ByteSize,
		})
		total += seg.Duration.Seconds()
	}
	if complete {
		m.TotalDuration = &total
	}
	return m
}

// writeManifestAtomic rewrites the manifest so a reader never observes a
// half-written file: write to a temp file in the same directory, fsync,
// rename over the destination, then best-effort fsync the directory. An
// interrupted write leaves the prior valid manifest intact.
func writeManifestAtomic(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	dst := filepath.Join(dir, ManifestFileName)
	tmp := dst + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write manifest temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync manifest temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close manifest temp: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	syncDir(dir)
	return nil
}

// LoadManifest reads and parses a manifest from dir. Callers (players,
// recovery tooling) must expect is_complete=false mid-recording.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// syncDir fsyncs a directory so a rename inside it is durable. Best
// effort: some filesystems refuse directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	d.Sync()
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_clock

import (
	"sync"
	"time"

	internal_type "github.com/rapidaai/recorder/internal/type"
)

// PauseState is a snapshot of the clock for status readers.
type PauseState struct {
	Paused   bool
	PausedAt time.Duration // raw timestamp the current pause began at; zero when not paused
	Offset   time.Duration // cumulative paused duration excluded from adjusted time
}

// PauseClock converts raw capture timestamps (measured from the shared
// recording epoch) into continuous pause-excluded timestamps, so the muxer
// never observes a jump at resume.
//
// All methods are safe for concurrent use: capture callbacks adjust frames
// while the command layer pauses and resumes.
type PauseClock struct {
	mu sync.Mutex

	epoch    time.Time
	paused   bool
	pausedAt time.Duration
	offset   time.Duration

	hasLast bool
	lastRaw time.Duration

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// NewPauseClock creates a PauseClock measuring raw timestamps from epoch.
func NewPauseClock(epoch time.Time) *PauseClock {
	return &PauseClock{
		epoch: epoch,
		clock: time.Now,
	}
}

// now returns the current raw timestamp (wall clock relative to the epoch).
func (c *PauseClock) now() time.Duration {
	return c.clock().Sub(c.epoch)
}

// Pause marks the current instant as the start of a paused interval.
// Pausing while already paused is a no-op.
func (c *PauseClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return
	}
	c.paused = true
	c.pausedAt = c.now()
}

// Resume ends the paused interval and adds its duration to the cumulative
// offset. Resuming while not paused is a no-op.
func (c *PauseClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused {
		return
	}
	elapsed := c.now() - c.pausedAt
	if elapsed > 0 {
		c.offset += elapsed
	}
	c.paused = false
	c.pausedAt = 0
}

// Adjust converts a raw timestamp into a pause-excluded one.
//
// Returns ok=false while paused — the caller drops the frame. A raw
// timestamp earlier than the previous one, or an adjusted timestamp that
// would be negative, is a TimestampError: it is propagated, never clamped,
// because clamping would permanently desynchronize audio and video.
func (c *PauseClock) Adjust(raw time.Duration) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return 0, false, nil
	}

	if c.hasLast && raw < c.lastRaw {
		return 0, false, &internal_type.TimestampError{Raw: raw, Prev: c.lastRaw}
	}

	adjusted := raw - c.offset
	if adjusted < 0 {
		return 0, false, &internal_type.TimestampError{Raw: raw, Prev: c.lastRaw}
	}

	c.hasLast = true
	c.lastRaw = raw
	return adjusted, true, nil
}

// Paused reports whether the clock is currently inside a paused interval.
func (c *PauseClock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Offset returns the cumulative paused duration excluded so far.
func (c *PauseClock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// State returns a consistent snapshot of the pause state.
func (c *PauseClock) State() PauseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := PauseState{Paused: c.paused, Offset: c.offset}
	if c.paused {
		s.PausedAt = c.pausedAt
	}
	return s
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"fmt"
	"time"
)

// SetupError is a fatal, synchronous construction failure: invalid mixer
// graph, unopenable output, unavailable source. A SetupError guarantees
// no partial state was left behind.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("setup %s failed", e.Op)
	}
	return fmt.Sprintf("setup %s failed: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// NewSetupError wraps err as a SetupError for the named operation.
func NewSetupError(op string, err error) *SetupError {
	return &SetupError{Op: op, Err: err}
}

// StreamError is a mid-recording encode/write/channel failure. The
// offending task logs it and exits; pipeline shutdown still completes and
// everything captured up to that point is preserved.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream %s failed", e.Op)
	}
	return fmt.Sprintf("stream %s failed: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// NewStreamError wraps err as a StreamError for the named operation.
func NewStreamError(op string, err error) *StreamError {
	return &StreamError{Op: op, Err: err}
}

// TimestampError reports a clock regression: a raw timestamp moving
// backwards or an adjusted timestamp that would be negative. It is never
// auto-corrected — clamping would silently desynchronize audio and video
// for the rest of the recording.
type TimestampError struct {
	Raw  time.Duration
	Prev time.Duration
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("timestamp invariant violated: raw=%s prev=%s", e.Raw, e.Prev)
}

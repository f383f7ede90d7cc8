// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_muxer

import (
	"runtime"
	"time"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
)

// muxFrame carries either one video or one audio frame to a worker.
type muxFrame struct {
	video *internal_type.VideoFrame
	audio *internal_type.PCMFrame
}

// segmentWorker drives one segment encoder on a dedicated OS thread.
// Hardware encoder handles are often tied to the thread (and GPU context)
// that created them, so the factory runs on the worker thread itself and
// the handle never crosses a goroutine boundary.
type segmentWorker struct {
	frames chan muxFrame
	done   chan error // receives the worker result exactly once

	failed chan struct{} // closed on mid-stream encode failure
	err    error         // set before failed is closed
}

// startSegmentWorker spawns the worker thread and opens the encoder on it,
// waiting on a one-shot ready signal so open failures surface
// synchronously to the caller.
func startSegmentWorker(
	factory internal_type.EncoderFactory,
	path string,
	video *internal_type.VideoInfo,
	audio *internal_audio.Config,
	channelSize int,
) (*segmentWorker, error) {
	w := &segmentWorker{
		frames: make(chan muxFrame, channelSize),
		done:   make(chan error, 1),
		failed: make(chan struct{}),
	}

	ready := make(chan error, 1)
	go w.run(factory, path, video, audio, ready)

	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

func (w *segmentWorker) run(
	factory internal_type.EncoderFactory,
	path string,
	video *internal_type.VideoInfo,
	audio *internal_audio.Config,
	ready chan<- error,
) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	enc, err := factory(path, video, audio)
	ready <- err
	if err != nil {
		w.done <- err
		return
	}

	var streamErr error
	for f := range w.frames {
		if streamErr != nil {
			continue // drain so senders never block on a dead encoder
		}
		switch {
		case f.video != nil:
			err = enc.WriteVideo(*f.video)
		case f.audio != nil:
			err = enc.WriteAudio(*f.audio)
		}
		if err != nil {
			streamErr = err
			w.err = err
			close(w.failed)
		}
	}

	// Flush and write the trailer even after a write failure — whatever
	// reached the encoder before the failure stays playable.
	if closeErr := enc.Close(); streamErr == nil {
		streamErr = closeErr
	}
	w.done <- streamErr
}

// send hands a frame to the worker, blocking on the bounded channel. A
// worker that already failed returns its stream error instead.
func (w *segmentWorker) send(f muxFrame) error {
	select {
	case <-w.failed:
		return w.err
	default:
	}
	select {
	case w.frames <- f:
		return nil
	case <-w.failed:
		return w.err
	}
}

// stop closes the feed and joins the worker with a bounded timeout.
// joined=false means the thread was abandoned rather than allowed to
// block rotation or shutdown.
func (w *segmentWorker) stop(timeout time.Duration) (err error, joined bool) {
	close(w.frames)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err, true
	case <-timer.C:
		return nil, false
	}
}

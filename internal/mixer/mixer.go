// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_mixer

import (
	"context"
	"fmt"
	"time"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_audio_resampler "github.com/rapidaai/recorder/internal/audio/resampler"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/utils"
)

const (
	// DefaultTickInterval is the cadence of the mixer loop.
	DefaultTickInterval = 5 * time.Millisecond

	// DefaultBufferTimeout is both the silence chunk size and the lateness
	// tolerance: a source more than this far behind "now" is presumed
	// stalled and back-filled with silence.
	DefaultBufferTimeout = 200 * time.Millisecond

	// minGap is the smallest timeline hole worth bridging with silence.
	// Anything below is capture-clock jitter, not a real gap.
	minGap = time.Millisecond

	// maxEmitPerTick bounds the mixed output drained in a single tick so a
	// long stall followed by a burst cannot produce one enormous frame.
	maxEmitPerTick = time.Second

	// outputChannelSize buffers mixed frames toward the muxer forwarder.
	outputChannelSize = 64
)

// Source registers one audio producer with the mixer: its native format
// and the channel its capture callback pushes frames into. Frame
// timestamps are epoch-relative.
type Source struct {
	Name   string
	Config *internal_audio.Config
	Frames <-chan internal_type.PCMFrame
}

// Option configures a Mixer during Build.
type Option func(*Mixer)

// WithTickInterval overrides the mixer loop cadence.
func WithTickInterval(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithBufferTimeout overrides the silence chunk size / lateness tolerance.
func WithBufferTimeout(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.bufferTimeout = d
		}
	}
}

// WithClock injects the wall clock. Tests use this for determinism.
func WithClock(clock func() time.Time) Option {
	return func(m *Mixer) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithResampler injects one resampler shared by every source. Tests use
// this; the default is a dedicated resampler per source, since conversion
// carries filter state that must not mix streams.
func WithResampler(r internal_type.AudioResampler) Option {
	return func(m *Mixer) {
		if r != nil {
			m.resampler = r
		}
	}
}

// Mixer merges N push-based, independently-timed audio sources — which may
// arrive irregularly, stall, or start late — into one continuous stream at
// a fixed target format.
//
// The central correctness mechanism is per-source silence synthesis: every
// source buffer always represents contiguous timeline coverage, so the
// mixing stage never sees holes. Holes are what desynchronize or stall a
// mix when hardware drops frames (e.g. a microphone disconnect).
type Mixer struct {
	logger commons.Logger
	target *internal_audio.Config

	// resampler is only set when injected via WithResampler; otherwise
	// every source buffer owns its own.
	resampler internal_type.AudioResampler

	sources []*sourceBuffer
	out     chan internal_type.PCMFrame

	tick          time.Duration
	bufferTimeout time.Duration

	epoch time.Time
	clock func() time.Time

	started bool
	startTS time.Duration

	// samplesEmitted counts output frames (one sample across all channels)
	// ever sent downstream. Output timestamps derive from it exactly:
	// startTS + samplesEmitted/rate.
	samplesEmitted int
}

// Build validates the mixer graph and constructs the per-source buffers,
// the sample-domain mixing stage and the resample-to-target stage. At
// least one source must be registered; an empty graph is a SetupError,
// never a mid-stream panic.
func Build(
	logger commons.Logger,
	epoch time.Time,
	target *internal_audio.Config,
	sources []Source,
	opts ...Option,
) (*Mixer, error) {
	if len(sources) == 0 {
		return nil, internal_type.NewSetupError("mixer", fmt.Errorf("no audio sources registered"))
	}
	if target == nil {
		target = internal_audio.NewLinear16khzMonoAudioConfig()
	}
	if target.Format != internal_audio.FormatLinear16 {
		return nil, internal_type.NewSetupError("mixer", fmt.Errorf("unsupported target format %s", target.Format))
	}

	m := &Mixer{
		logger:        logger,
		target:        target,
		out:           make(chan internal_type.PCMFrame, outputChannelSize),
		tick:          DefaultTickInterval,
		bufferTimeout: DefaultBufferTimeout,
		epoch:         epoch,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, src := range sources {
		if src.Config == nil || src.Frames == nil {
			return nil, internal_type.NewSetupError("mixer",
				fmt.Errorf("source %d (%s): missing config or frame channel", i, src.Name))
		}
		resampler := m.resampler
		if resampler == nil {
			r, err := internal_audio_resampler.GetResampler(logger)
			if err != nil {
				return nil, internal_type.NewSetupError("mixer", err)
			}
			resampler = r
		}
		m.sources = append(m.sources, newSourceBuffer(src, m.target, resampler))
	}

	return m, nil
}

// Output returns the mixed stream. The channel is closed when Run exits.
func (m *Mixer) Output() <-chan internal_type.PCMFrame {
	return m.out
}

// StartTimestamp returns the global start timestamp once established.
func (m *Mixer) StartTimestamp() (time.Duration, bool) {
	return m.startTS, m.started
}

// Run drives the tick loop until ctx is cancelled. It owns the output
// channel and closes it on exit.
func (m *Mixer) Run(ctx context.Context) error {
	defer close(m.out)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.tickOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// now returns the current raw timestamp relative to the epoch.
func (m *Mixer) now() time.Duration {
	return m.clock().Sub(m.epoch)
}

// tickOnce runs one iteration of the mixer: buffer sources, establish the
// start timestamp, back-fill late sources, mix and emit.
func (m *Mixer) tickOnce(ctx context.Context) error {
	now := m.now()

	// 1. Buffer sources: stall fill, then drain newly arrived frames.
	for _, src := range m.sources {
		m.bufferSource(src, now)
	}

	// 2. Establish the global start timestamp: the minimum first-buffered
	// timestamp across sources, locked the first tick any source has data.
	if !m.started {
		first, ok := m.earliestFirstTimestamp()
		if !ok {
			return nil
		}
		m.started = true
		m.startTS = first
		m.logger.Infow("Mixer start timestamp established", "start", m.startTS)
		for _, src := range m.sources {
			src.alignTo(m.startTS)
		}
	}

	// 3. Back-fill sources that are still empty after the buffer timeout,
	// so late-starting or entirely silent sources do not skew alignment.
	if now-m.startTS > m.bufferTimeout {
		for _, src := range m.sources {
			if !src.hasData {
				src.initAt(m.startTS)
				m.bufferSource(src, now)
				m.logger.Debugw("Back-filled silent source", "source", src.name, "start", m.startTS)
			}
		}
	}

	// 4. Mix and emit.
	return m.emit(ctx)
}

// bufferSource covers any stall gap with silence chunks, then drains the
// source's arrived frames into its buffer. Chunked synthesis bounds
// per-tick memory growth across a long dropout.
func (m *Mixer) bufferSource(src *sourceBuffer, now time.Duration) {
	if src.hasData {
		for now-src.end() > m.bufferTimeout {
			src.appendSilence(m.target.DurationBytes(m.bufferTimeout) / m.target.FrameSize())
		}
	}

	for {
		select {
		case frame, ok := <-src.frames:
			if !ok {
				if !src.exhausted {
					src.exhausted = true
					m.flushSource(src)
				}
				return
			}
			m.ingest(src, frame)
		default:
			return
		}
	}
}

// flushSource drains the source's resampler tail once its channel closes,
// so the last few milliseconds of a converted stream are not lost.
func (m *Mixer) flushSource(src *sourceBuffer) {
	tail, err := src.resampler.Flush()
	if err != nil {
		m.logger.Warnw("Resampler flush failed", "source", src.name, "error", err)
		return
	}
	if samples := utils.PCMToInt16(tail); len(samples) > 0 && src.hasData {
		src.appendSamples(samples)
	}
}

// ingest converts one source frame to the target format and appends it,
// bridging any timeline gap with silence first and trimming overlap with
// coverage already buffered, so the buffer stays contiguous and its
// timestamps never decrease.
func (m *Mixer) ingest(src *sourceBuffer, frame internal_type.PCMFrame) {
	if len(frame.Data) == 0 {
		return
	}

	converted, err := src.resampler.Resample(frame.Data, src.cfg, m.target)
	if err != nil {
		m.logger.Errorw("Dropping frame, resample failed", "source", src.name, "error", err)
		return
	}
	samples := utils.PCMToInt16(converted)
	if len(samples) == 0 {
		return
	}

	if !src.hasData {
		if !m.started {
			src.initAt(frame.Timestamp)
			src.appendSamples(samples)
			return
		}
		// The source came up after the start lock: anchor it at the mix
		// watermark so its samples land at their own timestamps instead
		// of the head of the mix. Gap bridging below inserts the leading
		// silence.
		src.initAt(m.startTS + m.target.SamplesDuration(m.samplesEmitted))
	}

	end := src.end()
	switch {
	case frame.Timestamp-end > minGap:
		// Hole versus buffered coverage: bridge with silence.
		gapFrames := m.target.DurationBytes(frame.Timestamp-end) / m.target.FrameSize()
		src.appendSilence(gapFrames)
		src.appendSamples(samples)

	case end-frame.Timestamp > minGap:
		// Frame overlaps already-covered timeline (e.g. silence was
		// synthesized past it during a stall). Keep only the tail.
		overlapFrames := m.target.DurationBytes(end-frame.Timestamp) / m.target.FrameSize()
		if overlapFrames*m.target.Channels >= len(samples) {
			return
		}
		src.appendSamples(samples[overlapFrames*m.target.Channels:])

	default:
		src.appendSamples(samples)
	}
}

// earliestFirstTimestamp returns the minimum first-buffered timestamp
// across sources that have data.
func (m *Mixer) earliestFirstTimestamp() (time.Duration, bool) {
	var min time.Duration
	found := false
	for _, src := range m.sources {
		if !src.hasData {
			continue
		}
		if !found || src.firstTS < min {
			min = src.firstTS
			found = true
		}
	}
	return min, found
}

// emit feeds the mixing stage with everything buffered up to the minimum
// contiguous coverage across sources and sends the mixed frames downstream.
// A cancelled downstream context ends the loop cleanly.
func (m *Mixer) emit(ctx context.Context) error {
	if !m.started {
		return nil
	}

	avail := -1
	for _, src := range m.sources {
		if !src.hasData {
			return nil // cannot mix past a source with no coverage yet
		}
		if n := src.pendingFrames(); avail < 0 || n < avail {
			avail = n
		}
	}
	if avail <= 0 {
		return nil
	}

	if max := m.target.DurationBytes(maxEmitPerTick) / m.target.FrameSize(); avail > max {
		avail = max
	}

	mixed := m.mix(avail)
	frame := internal_type.PCMFrame{
		Data:      utils.Int16ToPCM(mixed),
		Timestamp: m.startTS + m.target.SamplesDuration(m.samplesEmitted),
	}
	m.samplesEmitted += avail

	select {
	case m.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mix is the sample-domain mixing stage: an equal-weight saturating sum of
// n frames consumed from every source buffer.
func (m *Mixer) mix(n int) []int16 {
	ch := m.target.Channels
	mixed := make([]int16, n*ch)
	for _, src := range m.sources {
		samples := src.consume(n)
		for i, s := range samples {
			mixed[i] = utils.SaturatingAddInt16(mixed[i], s)
		}
	}
	return mixed
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_clock "github.com/rapidaai/recorder/internal/clock"
	internal_mixer "github.com/rapidaai/recorder/internal/mixer"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

// DefaultSourceChannelSize bounds each source's frame channel.
const DefaultSourceChannelSize = 64

// MuxerFactory builds the shared muxer once source formats are known.
type MuxerFactory func(video *internal_type.VideoInfo, audio *internal_audio.Config) (internal_type.Muxer, error)

// ============================================================================
// Builder — runtime-validated pipeline shapes (video/no-video × audio/no-audio)
// ============================================================================

// Builder assembles an output pipeline. At least one of video or audio
// must be configured before Build; an audio-capable build with zero
// registered audio sources is a configuration error.
type Builder struct {
	logger commons.Logger

	video        internal_type.VideoSource
	audioEnabled bool
	audioTarget  *internal_audio.Config
	audioSources []internal_type.AudioSource

	muxerFactory MuxerFactory
	pause        *internal_clock.PauseClock
	epoch        time.Time
	channelSize  int
	mixerOpts    []internal_mixer.Option
}

// NewBuilder starts an empty pipeline configuration.
func NewBuilder(logger commons.Logger) *Builder {
	return &Builder{
		logger:      logger,
		epoch:       time.Now(),
		channelSize: DefaultSourceChannelSize,
	}
}

// WithVideo configures the optional video source.
func (b *Builder) WithVideo(source internal_type.VideoSource) *Builder {
	b.video = source
	return b
}

// WithAudio declares an audio-capable pipeline mixing sources into target
// (nil target defaults to linear16 16 kHz mono).
func (b *Builder) WithAudio(target *internal_audio.Config, sources ...internal_type.AudioSource) *Builder {
	b.audioEnabled = true
	b.audioTarget = target
	b.audioSources = append(b.audioSources, sources...)
	return b
}

// AddAudioSource registers one more audio source.
func (b *Builder) AddAudioSource(source internal_type.AudioSource) *Builder {
	b.audioEnabled = true
	b.audioSources = append(b.audioSources, source)
	return b
}

// WithMuxer sets the factory for the shared muxer.
func (b *Builder) WithMuxer(factory MuxerFactory) *Builder {
	b.muxerFactory = factory
	return b
}

// WithEpoch sets the shared reference instant all timestamps are measured
// against. Defaults to the builder's creation time.
func (b *Builder) WithEpoch(epoch time.Time) *Builder {
	b.epoch = epoch
	return b
}

// WithPauseClock routes all forwarded timestamps through clock.
func (b *Builder) WithPauseClock(clock *internal_clock.PauseClock) *Builder {
	b.pause = clock
	return b
}

// WithSourceChannelSize overrides the per-source frame channel bound.
func (b *Builder) WithSourceChannelSize(n int) *Builder {
	if n > 0 {
		b.channelSize = n
	}
	return b
}

// WithMixerOption forwards options to the audio mixer.
func (b *Builder) WithMixerOption(opts ...internal_mixer.Option) *Builder {
	b.mixerOpts = append(b.mixerOpts, opts...)
	return b
}

// ============================================================================
// Pipeline
// ============================================================================

// Pipeline wires an optional video source and one-or-more audio sources
// into a shared muxer and manages combined startup and shutdown. Frames
// from one source reach the muxer in arrival order; across sources only
// the shared timestamp epoch is guaranteed.
type Pipeline struct {
	logger commons.Logger
	id     string

	epoch time.Time
	pause *internal_clock.PauseClock

	// muxMu is the only synchronization between forwarding tasks: the
	// muxer instance is the single shared resource.
	muxMu sync.Mutex
	muxer internal_type.Muxer

	cancel context.CancelFunc
	group  *errgroup.Group

	video        internal_type.VideoSource
	audioSources []internal_type.AudioSource

	firstOnce sync.Once
	firstTS   chan time.Duration

	finishOnce sync.Once
	finishErr  error

	stopOnce sync.Once
	stopErr  error
}

// Build sets up every source, constructs the muxer, and starts the
// forwarding tasks. Any setup failure aborts construction synchronously:
// already-wired sources are stopped and no partially-wired pipeline is
// ever returned.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	if b.muxerFactory == nil {
		return nil, internal_type.NewSetupError("pipeline", fmt.Errorf("no muxer configured"))
	}
	if b.video == nil && !b.audioEnabled {
		return nil, internal_type.NewSetupError("pipeline", fmt.Errorf("neither video nor audio configured"))
	}
	if b.audioEnabled && len(b.audioSources) == 0 {
		return nil, internal_type.NewSetupError("pipeline", fmt.Errorf("audio-capable build with zero audio sources"))
	}

	audioTarget := b.audioTarget
	if b.audioEnabled && audioTarget == nil {
		audioTarget = internal_audio.NewLinear16khzMonoAudioConfig()
	}

	p := &Pipeline{
		logger:       b.logger,
		id:           uuid.NewString(),
		epoch:        b.epoch,
		pause:        b.pause,
		video:        b.video,
		audioSources: b.audioSources,
		firstTS:      make(chan time.Duration, 1),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	teardown := func(sources []internal_type.AudioSource, video bool) {
		for _, src := range sources {
			src.Stop(ctx)
		}
		if video {
			b.video.Stop(ctx)
		}
		cancel()
	}

	// Wire audio sources into the mixer.
	var mixSources []internal_mixer.Source
	var wired []internal_type.AudioSource
	for i, src := range b.audioSources {
		ch := make(chan internal_type.PCMFrame, b.channelSize)
		cfg, err := src.Setup(runCtx, ch)
		if err != nil {
			teardown(wired, false)
			return nil, internal_type.NewSetupError("audio source", err)
		}
		wired = append(wired, src)
		mixSources = append(mixSources, internal_mixer.Source{
			Name:   fmt.Sprintf("audio-%d", i),
			Config: cfg,
			Frames: ch,
		})
	}

	// Wire the video source.
	var videoInfo *internal_type.VideoInfo
	var videoCh chan internal_type.VideoFrame
	if b.video != nil {
		videoCh = make(chan internal_type.VideoFrame, b.channelSize)
		info, err := b.video.Setup(runCtx, videoCh)
		if err != nil {
			teardown(wired, false)
			return nil, internal_type.NewSetupError("video source", err)
		}
		videoInfo = info
	}

	var muxAudio *internal_audio.Config
	if b.audioEnabled {
		muxAudio = audioTarget
	}
	muxer, err := b.muxerFactory(videoInfo, muxAudio)
	if err != nil {
		teardown(wired, b.video != nil)
		return nil, internal_type.NewSetupError("muxer", err)
	}
	p.muxer = muxer

	var mix *internal_mixer.Mixer
	if b.audioEnabled {
		mix, err = internal_mixer.Build(b.logger, b.epoch, audioTarget, mixSources, b.mixerOpts...)
		if err != nil {
			teardown(wired, b.video != nil)
			return nil, err
		}
	}

	// Start the sources, then the forwarding tasks.
	for _, src := range wired {
		if err := src.Start(runCtx); err != nil {
			teardown(wired, b.video != nil)
			return nil, internal_type.NewSetupError("audio source start", err)
		}
	}
	if b.video != nil {
		if err := b.video.Start(runCtx); err != nil {
			teardown(wired, true)
			return nil, internal_type.NewSetupError("video source start", err)
		}
	}

	p.group, _ = errgroup.WithContext(runCtx)

	if mix != nil {
		p.group.Go(func() error {
			if err := mix.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		p.group.Go(func() error { return p.forwardAudio(mix.Output()) })
	}
	if videoCh != nil {
		p.group.Go(func() error { return p.forwardVideo(runCtx, videoCh) })
	}

	b.logger.Infow("Pipeline started",
		"recording", p.id, "audioSources", len(wired), "video", b.video != nil)
	return p, nil
}

// ID returns the recording identifier used in logs and file naming.
func (p *Pipeline) ID() string { return p.id }

// FirstTimestamp delivers the first emitted timestamp (video or audio,
// whichever comes first) exactly once, so concurrent collaborators — an
// input-event recorder, for example — can align to the same origin.
func (p *Pipeline) FirstTimestamp() <-chan time.Duration {
	return p.firstTS
}

func (p *Pipeline) publishFirst(ts time.Duration) {
	p.firstOnce.Do(func() {
		p.firstTS <- ts
	})
}

// adjust routes a raw timestamp through the pause clock when configured.
// ok=false means the frame falls inside a paused interval and is dropped.
func (p *Pipeline) adjust(raw time.Duration) (time.Duration, bool, error) {
	if p.pause == nil {
		return raw, true, nil
	}
	return p.pause.Adjust(raw)
}

// forwardAudio relays mixed audio into the muxer until the mixer closes
// its output. A StreamError is logged and ends the task; a timestamp
// invariant violation is propagated.
func (p *Pipeline) forwardAudio(frames <-chan internal_type.PCMFrame) error {
	for frame := range frames {
		ts, ok, err := p.adjust(frame.Timestamp)
		if err != nil {
			p.logger.Errorw("Audio timestamp invariant violated, stopping forwarder",
				"recording", p.id, "error", err)
			return err
		}
		if !ok {
			continue // paused
		}
		frame.Timestamp = ts

		p.muxMu.Lock()
		err = p.muxer.SendAudioFrame(frame)
		p.muxMu.Unlock()
		if err != nil {
			p.logger.Errorw("Audio forwarding failed, captured data preserved",
				"recording", p.id, "error", err)
			return nil
		}
		p.publishFirst(ts)
	}
	return nil
}

// forwardVideo relays video frames into the muxer. On cancellation the
// frame already pulled is still delivered before the task exits —
// cooperative, never destructive.
func (p *Pipeline) forwardVideo(ctx context.Context, frames <-chan internal_type.VideoFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, open := <-frames:
			if !open {
				return nil
			}
			ts, ok, err := p.adjust(frame.Timestamp)
			if err != nil {
				p.logger.Errorw("Video timestamp invariant violated, stopping forwarder",
					"recording", p.id, "error", err)
				return err
			}
			if !ok {
				continue // paused
			}
			frame.Timestamp = ts

			p.muxMu.Lock()
			err = p.muxer.SendVideoFrame(frame)
			p.muxMu.Unlock()
			if err != nil {
				p.logger.Errorw("Video forwarding failed, captured data preserved",
					"recording", p.id, "error", err)
				return nil
			}
			p.publishFirst(ts)
		}
	}
}

// Stop triggers the shared cancellation signal, waits for every
// forwarding task unconditionally, stops the sources, and then invokes
// the muxer's Finish exactly once — after all producers are done. Stop is
// idempotent and returns the combined shutdown error.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.cancel()

		taskErr := p.group.Wait()

		var sourceErrs []error
		for _, src := range p.audioSources {
			if err := src.Stop(ctx); err != nil {
				sourceErrs = append(sourceErrs, err)
			}
		}
		if p.video != nil {
			if err := p.video.Stop(ctx); err != nil {
				sourceErrs = append(sourceErrs, err)
			}
		}

		p.finishOnce.Do(func() {
			p.muxMu.Lock()
			p.finishErr = p.muxer.Finish()
			p.muxMu.Unlock()
		})

		p.stopErr = errors.Join(taskErr, errors.Join(sourceErrs...), p.finishErr)
		if p.stopErr != nil {
			p.logger.Warnw("Pipeline stopped with errors", "recording", p.id, "error", p.stopErr)
		} else {
			p.logger.Infow("Pipeline stopped", "recording", p.id)
		}
	})
	return p.stopErr
}

// Package watcher runs one independent pipeline per camera: subscription
// client feeding the detection state machine, whose commands drive the
// recording session manager.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/detect"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/onvif"
	"github.com/panteLx/Reolink-ONVIF-Watcher/pkg/models"
)

// EventSource is the subscription client boundary.
type EventSource interface {
	Connect(ctx context.Context) error
	NextEvent(ctx context.Context, wait time.Duration) (models.DetectionEvent, bool, error)
	Close()
}

// SessionSink is the recording session manager boundary.
type SessionSink interface {
	Start(ctx context.Context) error
	Extend(deadline time.Time)
	Stop() error
	Active() bool
}

// Pipeline couples one camera's event source, state machine and session
// manager. Commands are applied synchronously: the machine never advances
// to the next command before the previous one was acknowledged.
type Pipeline struct {
	name     string
	source   EventSource
	machine  *detect.Machine
	sessions SessionSink
	tick     time.Duration
	log      zerolog.Logger

	lastDetection time.Time
}

func NewPipeline(name string, source EventSource, machine *detect.Machine,
	sessions SessionSink, tick time.Duration, logger zerolog.Logger) *Pipeline {

	return &Pipeline{
		name:     name,
		source:   source,
		machine:  machine,
		sessions: sessions,
		tick:     tick,
		log:      logger.With().Str("camera", name).Logger(),
	}
}

// Run blocks until ctx is cancelled or the source fails unrecoverably.
// On every exit path the subscription is closed and any live session is
// stopped gracefully, so in-flight clips are finalized before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.source.Close()
	defer func() {
		if err := p.sessions.Stop(); err != nil {
			p.log.Error().Err(err).Msg("stopping session on shutdown")
		}
	}()

	if err := p.source.Connect(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, onvif.ErrClosed) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// The pull below is the pipeline's suspension point; its wait is
		// bounded by the tick so the deadline check is never starved.
		ev, ok, err := p.source.NextEvent(ctx, p.tick)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, onvif.ErrClosed) {
				return nil
			}
			return err
		}
		if ok {
			p.observe(ctx, ev)
		}

		select {
		case <-ticker.C:
			p.apply(ctx, p.machine.Tick())
			ticks++
			if ticks%60 == 0 && !p.lastDetection.IsZero() {
				p.log.Debug().
					Dur("since_last_detection", time.Since(p.lastDetection)).
					Str("state", string(p.machine.State())).
					Msg("pipeline status")
			}
		default:
		}
	}
}

func (p *Pipeline) observe(ctx context.Context, ev models.DetectionEvent) {
	if ev.IsPresent {
		p.lastDetection = ev.ObservedAt
		p.log.Info().Time("camera_time", ev.CameraTime).Msg("person detected")
	} else {
		p.log.Info().Msg("person no longer detected")
	}
	p.apply(ctx, p.machine.Observe(ev))
}

func (p *Pipeline) apply(ctx context.Context, cmd detect.Command) {
	switch cmd {
	case detect.CmdStart:
		p.startSession(ctx)
	case detect.CmdExtend:
		// A faulted recorder or an earlier failed start leaves the machine
		// ACTIVE with no live session; the next positive detection starts a
		// fresh one instead of extending nothing.
		if !p.sessions.Active() {
			p.startSession(ctx)
			return
		}
		p.sessions.Extend(p.machine.Deadline())
	case detect.CmdStop:
		if err := p.sessions.Stop(); err != nil {
			p.log.Error().Err(err).Msg("stopping session")
		}
	}
}

func (p *Pipeline) startSession(ctx context.Context) {
	if err := p.sessions.Start(ctx); err != nil {
		// Session remains absent; the next positive detection retries.
		p.log.Error().Err(err).Msg("session start failed")
	}
}

package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/detect"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/media"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/onvif"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/record"
)

// PipelineRunner is one camera's run loop.
type PipelineRunner interface {
	Run(ctx context.Context) error
}

// PipelineFactory builds one run attempt's pipeline. A pipeline closes its
// event source when Run returns, so every restart must construct a fresh
// pipeline; reusing the previous one would pull on a dead subscription.
type PipelineFactory func() PipelineRunner

// Supervisor runs all camera pipelines concurrently with failure isolation:
// a pipeline that fails is rebuilt and restarted after a delay while its
// siblings keep running. Shutdown waits for every pipeline to finish its
// graceful stop.
type Supervisor struct {
	log          zerolog.Logger
	restartDelay time.Duration

	names     []string
	factories map[string]PipelineFactory
}

func NewSupervisor(logger zerolog.Logger, restartDelay time.Duration) *Supervisor {
	return &Supervisor{
		log:          logger,
		restartDelay: restartDelay,
		factories:    make(map[string]PipelineFactory),
	}
}

func (s *Supervisor) Add(name string, factory PipelineFactory) {
	if _, dup := s.factories[name]; !dup {
		s.names = append(s.names, name)
	}
	s.factories[name] = factory
}

// Run blocks until ctx is cancelled and all pipelines have acknowledged
// shutdown. Cameras are fully independent: no state is shared between the
// per-camera goroutines.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, name := range s.names {
		factory := s.factories[name]
		wg.Add(1)

		go func(name string, factory PipelineFactory) {
			defer wg.Done()
			log := s.log.With().Str("camera", name).Logger()

			for {
				err := factory().Run(ctx)
				if ctx.Err() != nil {
					log.Info().Msg("pipeline stopped")
					return
				}
				if err != nil {
					log.Error().Err(err).Dur("restart_in", s.restartDelay).
						Msg("pipeline failed, will restart")
				} else {
					log.Warn().Dur("restart_in", s.restartDelay).
						Msg("pipeline exited, will restart")
				}

				select {
				case <-ctx.Done():
					log.Info().Msg("pipeline stopped")
					return
				case <-time.After(s.restartDelay):
				}
			}
		}(name, factory)
	}

	wg.Wait()
	s.log.Info().Msg("all pipelines stopped")
	return nil
}

// Build assembles a supervisor from the validated configuration, wiring one
// pipeline factory per enabled camera.
func Build(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) *Supervisor {
	sup := NewSupervisor(logger, 10*time.Second)

	for _, cam := range cfg.Enabled() {
		sup.Add(cam.Name, pipelineFactory(cam, cfg, logger, m))
	}

	return sup
}

// pipelineFactory captures one camera's wiring. Each call produces a fresh
// subscriber, machine and session manager, so restarted pipelines start from
// a clean slate.
func pipelineFactory(cam config.Camera, cfg *config.Config,
	logger zerolog.Logger, m *metrics.Metrics) PipelineFactory {

	return func() PipelineRunner {
		source := onvif.NewSubscriber(cam, cfg.RenewMargin(), logger, m)
		machine := detect.NewMachine(cfg.PostDetection(), nil)
		runner := record.NewFFmpegRunner(logger.With().Str("camera", cam.Name).Logger())
		sessions := record.NewManager(cam, cfg.OutputDir, cfg.StopGrace(),
			runner, media.NewFetcher(cam), logger, m)

		return NewPipeline(cam.Name, source, machine, sessions, cfg.Tick(), logger)
	}
}

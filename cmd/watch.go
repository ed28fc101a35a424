package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kardianos/service"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/logging"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/watcher"
)

var serviceAction string // install, uninstall, start, stop

// program implements the kardianos/service interface around the supervisor.
type program struct {
	cfg    *config.Config
	logger zerolog.Logger
	m      *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
	server *http.Server
}

func (p *program) Start(s service.Service) error {
	// Start must not block; the supervisor runs in the background.
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *program) run(ctx context.Context) {
	defer close(p.done)

	if p.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", p.m.Handler())
		p.server = &http.Server{
			Addr:    fmt.Sprintf(":%d", p.cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			p.logger.Info().Str("addr", p.server.Addr).Msg("metrics listener started")
			if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				p.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	p.logger.Info().Int("cameras", len(p.cfg.Enabled())).Msg("watcher starting")

	sup := watcher.Build(p.cfg, p.logger, p.m)
	if err := sup.Run(ctx); err != nil {
		p.logger.Error().Err(err).Msg("supervisor failed")
	}
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info().Msg("watcher stopping")

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.server.Shutdown(ctx)
	}

	p.cancel()
	// Wait until every pipeline has finished its graceful shutdown, so
	// in-flight recordings are finalized before the process exits.
	<-p.done
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the camera watcher",
	Long: `Starts one pipeline per enabled camera: subscribe to person-detection
events, record a snapshot and a stream-copied clip per detection episode.
Can be installed as a system service.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			fmt.Printf("Error configuring logging: %v\n", err)
			os.Exit(1)
		}

		svcConfig := &service.Config{
			Name:        "reolink-watcher",
			DisplayName: "Reolink ONVIF Watcher",
			Description: "Records snapshots and clips on camera person detection",
			Arguments:   []string{"watch"},
		}
		if cfgFile != "" {
			svcConfig.Arguments = append(svcConfig.Arguments, "--config", cfgFile)
		}

		prg := &program{cfg: cfg, logger: logger, m: metrics.New()}

		s, err := service.New(prg, svcConfig)
		if err != nil {
			fmt.Printf("Error creating service: %v\n", err)
			os.Exit(1)
		}

		if serviceAction != "" {
			if err := service.Control(s, serviceAction); err != nil {
				fmt.Printf("Failed to %s service: %v\n", serviceAction, err)
				os.Exit(1)
			}
			fmt.Printf("Service action '%s' completed successfully.\n", serviceAction)
			return
		}

		// Blocking. The service manager (or the interactive signal handler)
		// calls Stop, which waits for graceful shutdown.
		if err := s.Run(); err != nil {
			logger.Error().Err(err).Msg("service run failed")
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&serviceAction, "service", "", "Service action: install, uninstall, start, stop")
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/logging"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/onvif"
	"github.com/panteLx/Reolink-ONVIF-Watcher/pkg/models"
)

var eventsCamera string

type eventLine struct {
	Camera     string    `json:"camera"`
	ObservedAt time.Time `json:"observed_at"`
	CameraTime time.Time `json:"camera_time,omitempty"`
	Present    bool      `json:"present"`
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail live person-detection events from one camera",
	Long: `Subscribes to a single camera and prints every person-detection event
as it arrives. Useful for verifying detection zones before enabling
recording. Stop with Ctrl-C.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		var cam *config.Camera
		for i := range cfg.Cameras {
			if cfg.Cameras[i].Name == eventsCamera {
				cam = &cfg.Cameras[i]
				break
			}
		}
		if cam == nil {
			fmt.Printf("Error: no camera named %q in config\n", eventsCamera)
			os.Exit(1)
		}

		logger := zerolog.Nop()
		if !jsonOutput {
			if logger, err = logging.New(cfg.Log); err != nil {
				fmt.Printf("Error configuring logging: %v\n", err)
				os.Exit(1)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sub := onvif.NewSubscriber(*cam, cfg.RenewMargin(), logger, metrics.New())
		defer sub.Close()

		if err := sub.Connect(ctx); err != nil {
			fmt.Printf("Error connecting to camera: %v\n", err)
			os.Exit(1)
		}

		// A broken tail must be visible, not a silent clean exit.
		if err := tailEvents(ctx, sub, os.Stdout, jsonOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error receiving events: %v\n", err)
			os.Exit(1)
		}
	},
}

// eventTailSource is the subset of the subscription client the tail needs.
type eventTailSource interface {
	NextEvent(ctx context.Context, wait time.Duration) (models.DetectionEvent, bool, error)
}

// tailEvents prints events until ctx is cancelled or the source fails.
// Cancellation and a closed subscriber end the tail cleanly; any other
// receive error is returned to the caller.
func tailEvents(ctx context.Context, src eventTailSource, out io.Writer, asJSON bool) error {
	enc := json.NewEncoder(out)
	for {
		ev, ok, err := src.NextEvent(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, onvif.ErrClosed) {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		if asJSON {
			_ = enc.Encode(eventLine{
				Camera:     ev.Camera,
				ObservedAt: ev.ObservedAt,
				CameraTime: ev.CameraTime,
				Present:    ev.IsPresent,
			})
			continue
		}

		state := "present"
		if !ev.IsPresent {
			state = "clear"
		}
		fmt.Fprintf(out, "%s  %s  %s\n", ev.ObservedAt.Format(time.RFC3339), ev.Camera, state)
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsCamera, "camera", "", "Name of the configured camera")
	_ = eventsCmd.MarkFlagRequired("camera")
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/media"
)

var (
	snapCamera string
	snapOutput string
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Short:   "Take a JPEG snapshot from a configured camera",
	Example: `  reolink-watcher snapshot --camera front --output front.jpg`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		var cam *config.Camera
		for i := range cfg.Cameras {
			if cfg.Cameras[i].Name == snapCamera {
				cam = &cfg.Cameras[i]
				break
			}
		}
		if cam == nil {
			fmt.Printf("Error: no camera named %q in config\n", snapCamera)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		data, err := media.NewFetcher(*cam).Snapshot(ctx)
		if err != nil {
			fmt.Printf("Error getting snapshot: %v\n", err)
			os.Exit(1)
		}

		if err := os.WriteFile(snapOutput, data, 0o644); err != nil {
			fmt.Printf("Error writing file: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Snapshot saved to %s (%d bytes)\n", snapOutput, len(data))
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().StringVar(&snapCamera, "camera", "", "Name of the configured camera")
	snapshotCmd.Flags().StringVar(&snapOutput, "output", "snapshot.jpg", "Output filename")
	_ = snapshotCmd.MarkFlagRequired("camera")
}

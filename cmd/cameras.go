package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/onvif"
)

type cameraStatus struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Channel  int    `json:"channel"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List configured cameras and probe their ONVIF endpoints",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		m := metrics.New()
		var statuses []cameraStatus

		for _, cam := range cfg.Cameras {
			st := cameraStatus{
				Name:    cam.Name,
				Host:    cam.Host,
				Channel: cam.Channel,
				Enabled: cam.Enabled,
				Status:  "UNREACHABLE",
			}

			sub := onvif.NewSubscriber(cam, cfg.RenewMargin(), zerolog.Nop(), m)
			if info, err := sub.DeviceInfo(ctx); err == nil {
				st.Status = "CONNECTED"
				st.Model = info.Model
				st.Firmware = info.FirmwareVersion
			}
			sub.Close()

			statuses = append(statuses, st)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(statuses); err != nil {
				fmt.Printf("Error encoding JSON: %v\n", err)
				os.Exit(1)
			}
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tHOST\tCHANNEL\tENABLED\tSTATUS\tMODEL\tFIRMWARE")
		fmt.Fprintln(w, "----\t----\t-------\t-------\t------\t-----\t--------")

		for _, st := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\t%s\n",
				st.Name, st.Host, st.Channel, st.Enabled, st.Status, st.Model, st.Firmware)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(camerasCmd)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid marks a startup configuration that must abort the process
// before any camera pipeline starts.
var ErrInvalid = errors.New("invalid configuration")

// Camera describes one watched device. Immutable after load.
type Camera struct {
	Name      string `mapstructure:"name"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`       // HTTP API port (snapshots)
	OnvifPort int    `mapstructure:"onvif_port"` // event subscription endpoint
	RTSPPort  int    `mapstructure:"rtsp_port"`
	Channel   int    `mapstructure:"channel"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Stream    string `mapstructure:"stream"` // h264 or h265, selects the RTSP path
	Enabled   bool   `mapstructure:"enabled"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

type Config struct {
	Log                  Log      `mapstructure:"log"`
	OutputDir            string   `mapstructure:"output_dir"`
	PostDetectionSeconds int      `mapstructure:"post_detection_seconds"`
	TickSeconds          int      `mapstructure:"tick_seconds"`
	RenewMarginSeconds   int      `mapstructure:"renew_margin_seconds"`
	StopGraceSeconds     int      `mapstructure:"stop_grace_seconds"`
	MetricsPort          int      `mapstructure:"metrics_port"`
	Cameras              []Camera `mapstructure:"cameras"`
}

func (c *Config) PostDetection() time.Duration {
	return time.Duration(c.PostDetectionSeconds) * time.Second
}

func (c *Config) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

func (c *Config) RenewMargin() time.Duration {
	return time.Duration(c.RenewMarginSeconds) * time.Second
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// Load reads the config file (explicit path, or "reolink-watcher.yaml" searched
// in the working directory and home) plus REOLINK_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName("reolink-watcher")
	}

	v.SetEnvPrefix("REOLINK")
	// Nested keys map dots to underscores: log.level -> REOLINK_LOG_LEVEL.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("output_dir", "./recordings")
	v.SetDefault("post_detection_seconds", 15)
	v.SetDefault("tick_seconds", 1)
	v.SetDefault("renew_margin_seconds", 10)
	v.SetDefault("stop_grace_seconds", 10)
	v.SetDefault("metrics_port", 0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg.applyCameraDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyCameraDefaults() {
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Port == 0 {
			cam.Port = 80
		}
		if cam.OnvifPort == 0 {
			cam.OnvifPort = 8000
		}
		if cam.RTSPPort == 0 {
			cam.RTSPPort = 554
		}
		if cam.Stream == "" {
			cam.Stream = "h264"
		}
	}
}

// Validate enforces the startup contract: unique camera names, at least one
// enabled camera, positive durations. Any violation aborts startup.
func (c *Config) Validate() error {
	if c.PostDetectionSeconds <= 0 {
		return fmt.Errorf("%w: post_detection_seconds must be positive", ErrInvalid)
	}
	if c.TickSeconds <= 0 {
		return fmt.Errorf("%w: tick_seconds must be positive", ErrInvalid)
	}
	if c.StopGraceSeconds <= 0 {
		return fmt.Errorf("%w: stop_grace_seconds must be positive", ErrInvalid)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir must be set", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Cameras))
	enabled := 0

	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("%w: camera with empty name", ErrInvalid)
		}
		if seen[cam.Name] {
			return fmt.Errorf("%w: duplicate camera name %q", ErrInvalid, cam.Name)
		}
		seen[cam.Name] = true

		if cam.Host == "" {
			return fmt.Errorf("%w: camera %q has no host", ErrInvalid, cam.Name)
		}
		if cam.Stream != "h264" && cam.Stream != "h265" {
			return fmt.Errorf("%w: camera %q: stream must be h264 or h265", ErrInvalid, cam.Name)
		}
		if cam.Enabled {
			enabled++
		}
	}

	if enabled == 0 {
		return fmt.Errorf("%w: no enabled cameras", ErrInvalid)
	}

	return nil
}

// Enabled returns the cameras the supervisor should run.
func (c *Config) Enabled() []Camera {
	out := make([]Camera, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Enabled {
			out = append(out, cam)
		}
	}
	return out
}

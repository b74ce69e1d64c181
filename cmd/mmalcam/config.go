package main

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	modeVideo    = "video"
	modeStill    = "still"
	modeCircular = "circular"
)

// Config is the recording setup, read from an optional YAML file and then
// overridden by command line flags.
type Config struct {
	Mode   string `yaml:"mode"`
	Output string `yaml:"output"`

	// Output variant, e.g. "h264" or "png". Inferred from Output when empty.
	Format string `yaml:"format"`

	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	Framerate   int `yaml:"framerate"`
	Bitrate     int `yaml:"bitrate"`
	IntraPeriod int `yaml:"intra_period"`
	Quality     int `yaml:"quality"`

	// How long to record. Zero records until interrupted.
	Duration time.Duration `yaml:"duration"`

	// Length of the clip kept in circular mode.
	Seconds time.Duration `yaml:"seconds"`

	// Address to serve the stream to websocket clients on.
	Listen string `yaml:"listen"`

	// Pace the simulated camera in real time.
	Realtime *bool `yaml:"realtime"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, errors.Wrap(err, "load config")
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = modeVideo
	}
	if c.Width == 0 {
		c.Width = 1280
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.Framerate == 0 {
		c.Framerate = 30
	}
	if c.Bitrate == 0 {
		c.Bitrate = 17000000
	}
	if c.Seconds == 0 {
		c.Seconds = 10 * time.Second
	}
	if c.Realtime == nil {
		on := true
		c.Realtime = &on
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case modeVideo, modeStill, modeCircular:
	default:
		return errors.Errorf("unknown mode %q", c.Mode)
	}
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return errors.Errorf("invalid size %dx%d", c.Width, c.Height)
	case c.Framerate <= 0:
		return errors.Errorf("invalid framerate %d", c.Framerate)
	case c.Bitrate < 0:
		return errors.Errorf("invalid bitrate %d", c.Bitrate)
	case c.Duration < 0 || c.Seconds <= 0:
		return errors.New("durations must be positive")
	case c.Output == "" && c.Listen == "":
		return errors.New("nowhere to write to, set --output or --listen")
	case c.Mode == modeCircular && c.Output == "":
		return errors.New("circular mode needs --output")
	case c.Mode == modeCircular && isMP4(c.Output):
		return errors.New("circular mode writes a raw H.264 clip, not MP4")
	}
	return nil
}

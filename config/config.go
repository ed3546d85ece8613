// Package config holds the receiver configuration surface.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoInterface        = errors.New("interface must be set")
	ErrBufferSizeTooSmall = errors.New("buffer-size must be >= 64")
	ErrInvalidTimeout     = errors.New("timeout must be > 0")
	ErrNegativeDuration   = errors.New("duration must be >= 0")
)

// Config is consumed by a receiver backend's Init.
type Config struct {
	// Mode selects the capture strategy by name ("socket", "af_xdp", "dpdk").
	Mode        string `yaml:"mode"`
	Interface   string `yaml:"interface"`
	Promiscuous bool   `yaml:"promiscuous"`
	// BufferSize is the per-read buffer (snap length) of the copy-based path.
	BufferSize uint32 `yaml:"buffer-size"`
	// Timeout bounds every blocking wait of a receive loop.
	Timeout time.Duration `yaml:"timeout"`
	Verbose bool          `yaml:"verbose"`
	// Duration limits the run; 0 runs until stopped.
	Duration time.Duration `yaml:"duration"`

	XDP XDP `yaml:"xdp"`
}

// XDP tunes the zero-copy path. Zero values fall back to the afxdp defaults.
type XDP struct {
	Queue          uint32 `yaml:"queue"`
	NumFrames      uint32 `yaml:"num-frames"`
	FrameSize      uint32 `yaml:"frame-size"`
	FillSize       uint32 `yaml:"fill-size"`
	RxSize         uint32 `yaml:"rx-size"`
	BatchSize      uint32 `yaml:"batch-size"`
	PreferZerocopy bool   `yaml:"prefer-zerocopy"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Mode:        "socket",
		Interface:   "eth0",
		Promiscuous: true,
		BufferSize:  65536,
		Timeout:     time.Second,
		XDP: XDP{
			PreferZerocopy: true,
		},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	conf := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return conf, fmt.Errorf("parsing YAML: %w", err)
	}
	return conf, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return ErrNoInterface
	}
	if c.BufferSize < 64 {
		return ErrBufferSizeTooSmall
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Duration < 0 {
		return ErrNegativeDuration
	}
	return nil
}

// Package config loads and validates the daemon's yaml configuration.
// Durations are given in seconds, matching the observatory's other daemon
// configs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VariantCombined = "combined"
	VariantSplit    = "split"
)

type Config struct {
	// Variant selects the deployment shape: "combined" drives both
	// actuators over one serial link, "split" uses one link per actuator.
	Variant string `yaml:"variant"`

	APIAddr         string   `yaml:"api_addr"`
	ControlMachines []string `yaml:"control_machines"`

	HomeAzimuth float64 `yaml:"home_azimuth"`
	ParkAzimuth float64 `yaml:"park_azimuth"`

	AzimuthLoopDelay       float64 `yaml:"azimuth_loop_delay"`
	AzimuthMovingLoopDelay float64 `yaml:"azimuth_moving_loop_delay"`
	AzimuthMoveTimeout     float64 `yaml:"azimuth_move_timeout"`
	ShutterMoveTimeout     float64 `yaml:"shutter_move_timeout"`
	PositionTolerance      float64 `yaml:"position_tolerance"`
	HeartbeatLimit         int     `yaml:"heartbeat_limit"`

	// DomeSerial is used by the combined variant; AzimuthSerial and
	// ShutterSerial by the split variant.
	DomeSerial    Serial `yaml:"dome_serial"`
	AzimuthSerial Serial `yaml:"azimuth_serial"`
	ShutterSerial Serial `yaml:"shutter_serial"`

	Influx Influx `yaml:"influx"`
}

type Serial struct {
	Port    string  `yaml:"port"`
	Baud    int     `yaml:"baud"`
	Timeout float64 `yaml:"timeout"`
	Retries int     `yaml:"retries"`
}

type Influx struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		APIAddr:                "127.0.0.1:9004",
		AzimuthLoopDelay:       5,
		AzimuthMovingLoopDelay: 0.5,
		AzimuthMoveTimeout:     180,
		ShutterMoveTimeout:     120,
		PositionTolerance:      1,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg *Config) error {
	switch cfg.Variant {
	case VariantCombined:
		if err := validateSerial("dome_serial", cfg.DomeSerial); err != nil {
			return err
		}
	case VariantSplit:
		if err := validateSerial("azimuth_serial", cfg.AzimuthSerial); err != nil {
			return err
		}
		if err := validateSerial("shutter_serial", cfg.ShutterSerial); err != nil {
			return err
		}
	default:
		return fmt.Errorf("variant must be %q or %q", VariantCombined, VariantSplit)
	}
	if cfg.HomeAzimuth < 0 || cfg.HomeAzimuth >= 360 {
		return fmt.Errorf("home_azimuth must be in [0, 360)")
	}
	if cfg.ParkAzimuth < 0 || cfg.ParkAzimuth >= 360 {
		return fmt.Errorf("park_azimuth must be in [0, 360)")
	}
	if cfg.AzimuthLoopDelay <= 0 || cfg.AzimuthMovingLoopDelay <= 0 {
		return fmt.Errorf("loop delays must be positive")
	}
	if cfg.AzimuthMoveTimeout <= 0 || cfg.ShutterMoveTimeout <= 0 {
		return fmt.Errorf("move timeouts must be positive")
	}
	if cfg.HeartbeatLimit < 0 {
		return fmt.Errorf("heartbeat_limit must not be negative")
	}
	return nil
}

func validateSerial(name string, s Serial) error {
	if s.Port == "" {
		return fmt.Errorf("%s.port is required", name)
	}
	if s.Baud <= 0 {
		return fmt.Errorf("%s.baud must be positive", name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be positive", name)
	}
	if s.Retries < 0 {
		return fmt.Errorf("%s.retries must not be negative", name)
	}
	return nil
}

// Seconds converts a duration given in (possibly fractional) seconds.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Package config loads and validates the frozen configuration object a
// session is launched with (spec §6): a YAML file provides the base values,
// CLI flags parsed with pflag override them, and github.com/go-playground/
// validator/v10 struct tags enforce per-field constraints before internal/
// engine ever sees a Config.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/edlgen/edlgen/internal/tc"
)

const (
	defaultBufferSize    = 512
	defaultLTCSampleRate = 48000
	defaultPort          = 8080
)

// Config is the frozen value every component is constructed from. It is
// never mutated after config.Load returns.
type Config struct {
	ProjectName   string `validate:"required,filepath"`
	StorageDir    string `validate:"required"`
	DeviceID      string
	InputChannel  uint8  `validate:"gte=0,lte=4"`
	BufferSize    uint32 `validate:"required"`
	LTCSampleRate uint32 `validate:"gte=32000"`
	FrameRate     tc.FrameRate
	DropFrame     tc.DropFrame
	Port          uint16 `validate:"gte=1"`
}

// Overrides carries CLI-flag-sourced values that win over the YAML file
// when present. Zero values mean "not set on the command line" except
// where a bool/zero is itself a meaningful override (Set* flags below).
type Overrides struct {
	ProjectName      string
	StorageDir       string
	DeviceID         string
	InputChannel     int
	SetInputChannel  bool
	BufferSize       int
	SetBufferSize    bool
	LTCSampleRate    int
	SetLTCSampleRate bool
	FrameRate        string
	DropFrame        string
	Port             int
	SetPort          bool
}

// yamlConfig mirrors the on-disk YAML shape; Load translates it into Config
// field-by-field with defaults, the way the teacher's bridge.LoadConfig
// translates its nested yamlConfig into the flat Config it returns.
type yamlConfig struct {
	ProjectName string `yaml:"project_name"`
	StorageDir  string `yaml:"storage_dir"`
	Device      struct {
		ID           string `yaml:"id"`
		InputChannel int    `yaml:"input_channel"`
	} `yaml:"device"`
	Audio struct {
		BufferSize    int `yaml:"buffer_size"`
		LTCSampleRate int `yaml:"ltc_sample_rate"`
	} `yaml:"audio"`
	Timecode struct {
		FrameRate string `yaml:"frame_rate"`
		DropFrame string `yaml:"drop_frame"`
	} `yaml:"timecode"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// ConfigError wraps a configuration problem, matching the spec's
// ConfigError taxonomy entry: invalid combination of rate + drop-frame,
// unusable path, or bad port.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads path, applies ov on top, validates the result, and returns a
// frozen Config.
func Load(path string, ov Overrides) (Config, error) {
	cfg := Config{
		BufferSize:    defaultBufferSize,
		LTCSampleRate: defaultLTCSampleRate,
		FrameRate:     tc.Rate29_97,
		DropFrame:     tc.NonDrop,
		Port:          defaultPort,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Err: fmt.Errorf("read config file: %w", err)}
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, &ConfigError{Err: fmt.Errorf("parse config file: %w", err)}
	}

	if yc.ProjectName != "" {
		cfg.ProjectName = yc.ProjectName
	}
	if yc.StorageDir != "" {
		cfg.StorageDir = yc.StorageDir
	}
	cfg.DeviceID = yc.Device.ID
	if yc.Device.InputChannel > 0 {
		cfg.InputChannel = uint8(yc.Device.InputChannel)
	}
	if yc.Audio.BufferSize > 0 {
		cfg.BufferSize = uint32(yc.Audio.BufferSize)
	}
	if yc.Audio.LTCSampleRate > 0 {
		cfg.LTCSampleRate = uint32(yc.Audio.LTCSampleRate)
	}
	if yc.Timecode.FrameRate != "" {
		rate, err := tc.ParseFrameRate(yc.Timecode.FrameRate)
		if err != nil {
			return Config{}, &ConfigError{Err: err}
		}
		cfg.FrameRate = rate
	}
	if yc.Timecode.DropFrame != "" {
		drop, err := tc.ParseDropFrame(yc.Timecode.DropFrame)
		if err != nil {
			return Config{}, &ConfigError{Err: err}
		}
		cfg.DropFrame = drop
	}
	if yc.Server.Port > 0 {
		cfg.Port = uint16(yc.Server.Port)
	}

	applyOverrides(&cfg, ov)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.ProjectName != "" {
		cfg.ProjectName = ov.ProjectName
	}
	if ov.StorageDir != "" {
		cfg.StorageDir = ov.StorageDir
	}
	if ov.DeviceID != "" {
		cfg.DeviceID = ov.DeviceID
	}
	if ov.SetInputChannel {
		cfg.InputChannel = uint8(ov.InputChannel)
	}
	if ov.SetBufferSize {
		cfg.BufferSize = uint32(ov.BufferSize)
	}
	if ov.SetLTCSampleRate {
		cfg.LTCSampleRate = uint32(ov.LTCSampleRate)
	}
	if ov.FrameRate != "" {
		if rate, err := tc.ParseFrameRate(ov.FrameRate); err == nil {
			cfg.FrameRate = rate
		}
	}
	if ov.DropFrame != "" {
		if drop, err := tc.ParseDropFrame(ov.DropFrame); err == nil {
			cfg.DropFrame = drop
		}
	}
	if ov.SetPort {
		cfg.Port = uint16(ov.Port)
	}
}

var validate = validator.New()

// Validate runs struct-tag validation plus the cross-field drop-frame ×
// rate compatibility check. input_channel's range against the device's
// actual channel count is deferred until the device is opened (spec §4.3);
// this only checks the field is within the protocol's 0..4 ceiling.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{Err: err}
	}
	if err := tc.ValidateRateDrop(cfg.FrameRate, cfg.DropFrame); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// Package config binds the streaming session's runtime parameters
// (spec.md §6) through viper, the way the teacher's server package
// binds its listener/timeout settings, generalized from a YAML-plus-env
// struct to a viper.Viper instance that also watches its source file
// for live edits to the settings spec.md marks as runtime-adjustable.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LatencyMode mirrors renderpolicy.LatencyMode as a config-layer string
// enum, decoupled from the policy package so config can be loaded
// before any stream exists.
type LatencyMode string

const (
	LatencyModeLowestLatency LatencyMode = "lowestLatency"
	LatencyModeAuto          LatencyMode = "auto"
	LatencyModeSmoothest     LatencyMode = "smoothest"
)

// BitDepth is the encoder's configured color depth.
type BitDepth string

const (
	BitDepth8  BitDepth = "8-bit"
	BitDepth10 BitDepth = "10-bit"
)

// Config holds one stream's configurable parameters (spec.md §6).
type Config struct {
	LatencyMode                         LatencyMode `mapstructure:"latencyMode"`
	TargetFrameRate                     int         `mapstructure:"targetFrameRate"`
	KeyframeInterval                    int         `mapstructure:"keyframeInterval"`
	CaptureQueueDepth                   int         `mapstructure:"captureQueueDepth"`
	BitDepth                            BitDepth    `mapstructure:"bitDepth"`
	Bitrate                             int64       `mapstructure:"bitrate"`
	AllowRuntimeQualityAdjustment       bool        `mapstructure:"allowRuntimeQualityAdjustment"`
	DisableResolutionCap                bool        `mapstructure:"disableResolutionCap"`
	AdaptiveFallbackEnabled             bool        `mapstructure:"adaptiveFallbackEnabled"`
	RequireEncryptedMediaOnLocalNetwork bool        `mapstructure:"requireEncryptedMediaOnLocalNetwork"`
}

// Validate enforces spec.md §6's invariants on an already-loaded Config.
func (c Config) Validate() error {
	switch c.LatencyMode {
	case LatencyModeLowestLatency, LatencyModeAuto, LatencyModeSmoothest:
	default:
		return fmt.Errorf("config: invalid latencyMode %q", c.LatencyMode)
	}
	if c.TargetFrameRate != 60 && c.TargetFrameRate != 120 {
		return fmt.Errorf("config: targetFrameRate must be 60 or 120, got %d", c.TargetFrameRate)
	}
	if c.KeyframeInterval <= 0 {
		return fmt.Errorf("config: keyframeInterval must be positive, got %d", c.KeyframeInterval)
	}
	if c.CaptureQueueDepth <= 0 {
		return fmt.Errorf("config: captureQueueDepth must be positive, got %d", c.CaptureQueueDepth)
	}
	switch c.BitDepth {
	case BitDepth8, BitDepth10:
	default:
		return fmt.Errorf("config: invalid bitDepth %q", c.BitDepth)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("config: bitrate must be positive, got %d", c.Bitrate)
	}
	return nil
}

func defaults() Config {
	return Config{
		LatencyMode:                         LatencyModeAuto,
		TargetFrameRate:                     60,
		KeyframeInterval:                    300,
		CaptureQueueDepth:                   3,
		BitDepth:                            BitDepth10,
		Bitrate:                             20_000_000,
		AllowRuntimeQualityAdjustment:       true,
		DisableResolutionCap:                false,
		AdaptiveFallbackEnabled:             true,
		RequireEncryptedMediaOnLocalNetwork: true,
	}
}

func bindDefaults(v *viper.Viper) {
	d := defaults()
	v.SetDefault("latencyMode", string(d.LatencyMode))
	v.SetDefault("targetFrameRate", d.TargetFrameRate)
	v.SetDefault("keyframeInterval", d.KeyframeInterval)
	v.SetDefault("captureQueueDepth", d.CaptureQueueDepth)
	v.SetDefault("bitDepth", string(d.BitDepth))
	v.SetDefault("bitrate", d.Bitrate)
	v.SetDefault("allowRuntimeQualityAdjustment", d.AllowRuntimeQualityAdjustment)
	v.SetDefault("disableResolutionCap", d.DisableResolutionCap)
	v.SetDefault("adaptiveFallbackEnabled", d.AdaptiveFallbackEnabled)
	v.SetDefault("requireEncryptedMediaOnLocalNetwork", d.RequireEncryptedMediaOnLocalNetwork)
}

// Store owns the live, viper-backed configuration for one host process.
// AllowRuntimeQualityAdjustment is the only field spec.md authorizes to
// change after session start (§6); Store watches its source file and
// re-reads on change, publishing updates only for that field through
// OnQualityAdjustmentChange.
type Store struct {
	mu sync.RWMutex
	v  *viper.Viper
	cb func(allowed bool)
}

// Load reads configuration from path (if non-empty) plus environment
// variables prefixed AIRLINK_, falling back to spec.md's defaults for
// anything unset.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetEnvPrefix("AIRLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Store{v: v}, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Current returns a snapshot of the live configuration.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, _ := decode(s.v)
	return cfg
}

// OnQualityAdjustmentChange registers a callback invoked whenever
// allowRuntimeQualityAdjustment changes via a live config-file reload.
func (s *Store) OnQualityAdjustmentChange(cb func(allowed bool)) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// WatchForChanges begins watching the config file for edits, applying
// them live. Only allowRuntimeQualityAdjustment changes are surfaced to
// the registered callback; every other field requires a session
// restart per spec.md §6's scope (runtime adjustment is opt-in and
// narrow).
func (s *Store) WatchForChanges() {
	s.mu.RLock()
	v := s.v
	last := v.GetBool("allowRuntimeQualityAdjustment")
	s.mu.RUnlock()

	v.OnConfigChange(func(fsnotify.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := v.ReadInConfig(); err != nil {
			return
		}
		after := v.GetBool("allowRuntimeQualityAdjustment")
		if after != last {
			last = after
			if s.cb != nil {
				s.cb(after)
			}
		}
	})
	v.WatchConfig()
}

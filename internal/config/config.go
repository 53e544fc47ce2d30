// Package config resolves livematch settings from defaults, config.toml,
// a .env file and LIVEMATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "LIVEMATCH"

type Config struct {
	Debug        bool
	Model        Model
	Camera       Camera
	Schedule     Schedule
	Errors       Errors
	Segmentation Segmentation
	Metrics      Metrics
}

type Model struct {
	ID     string
	Python string
	Script string
}

type Camera struct {
	Format string
	Device string
	Width  int
	Height int
	FPS    int
}

type Schedule struct {
	InferenceInterval    time.Duration
	InitialDelay         time.Duration
	SegmentationInterval time.Duration
	SkipBusyInference    bool
}

type Errors struct {
	// FatalInference ends the session on the first failed inference.
	FatalInference bool
}

type Segmentation struct {
	ModelEnabled bool
	Script       string
}

type Metrics struct {
	Listen string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Model: Model{
			ID:     "openai/clip-vit-base-patch16",
			Python: "python3",
			Script: "python/encoder_worker.py",
		},
		Camera: Camera{
			Format: "v4l2",
			Device: "/dev/video0",
			Width:  640,
			Height: 480,
			FPS:    15,
		},
		Schedule: Schedule{
			InferenceInterval:    1500 * time.Millisecond,
			InitialDelay:         600 * time.Millisecond,
			SegmentationInterval: 150 * time.Millisecond,
			SkipBusyInference:    true,
		},
		Errors:       Errors{FatalInference: true},
		Segmentation: Segmentation{ModelEnabled: true, Script: "python/segment_worker.py"},
	}
}

// InitViper builds a viper instance with defaults registered, config.toml from
// configDir read if present, and LIVEMATCH_* env vars bound. A .env file in the
// working directory is loaded into the environment first.
//
// Precedence (highest first): bound flags, env, config.toml, defaults.
func InitViper(configDir string) (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("debug", d.Debug)

	v.SetDefault("model.id", d.Model.ID)
	v.SetDefault("model.python", d.Model.Python)
	v.SetDefault("model.script", d.Model.Script)

	v.SetDefault("camera.format", d.Camera.Format)
	v.SetDefault("camera.device", d.Camera.Device)
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.fps", d.Camera.FPS)

	v.SetDefault("schedule.inference_interval", d.Schedule.InferenceInterval)
	v.SetDefault("schedule.initial_delay", d.Schedule.InitialDelay)
	v.SetDefault("schedule.segmentation_interval", d.Schedule.SegmentationInterval)
	v.SetDefault("schedule.skip_busy_inference", d.Schedule.SkipBusyInference)

	v.SetDefault("errors.fatal_inference", d.Errors.FatalInference)

	v.SetDefault("segmentation.model_enabled", d.Segmentation.ModelEnabled)
	v.SetDefault("segmentation.script", d.Segmentation.Script)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// FromViper reads the resolved settings and validates them.
func FromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		Debug: v.GetBool("debug"),
		Model: Model{
			ID:     v.GetString("model.id"),
			Python: v.GetString("model.python"),
			Script: v.GetString("model.script"),
		},
		Camera: Camera{
			Format: v.GetString("camera.format"),
			Device: v.GetString("camera.device"),
			Width:  v.GetInt("camera.width"),
			Height: v.GetInt("camera.height"),
			FPS:    v.GetInt("camera.fps"),
		},
		Schedule: Schedule{
			InferenceInterval:    v.GetDuration("schedule.inference_interval"),
			InitialDelay:         v.GetDuration("schedule.initial_delay"),
			SegmentationInterval: v.GetDuration("schedule.segmentation_interval"),
			SkipBusyInference:    v.GetBool("schedule.skip_busy_inference"),
		},
		Errors: Errors{FatalInference: v.GetBool("errors.fatal_inference")},
		Segmentation: Segmentation{
			ModelEnabled: v.GetBool("segmentation.model_enabled"),
			Script:       v.GetString("segmentation.script"),
		},
		Metrics: Metrics{Listen: v.GetString("metrics.listen")},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Model.ID == "" {
		return errors.New("model.id must not be empty")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Schedule.InferenceInterval <= 0 || c.Schedule.SegmentationInterval <= 0 {
		return errors.New("schedule intervals must be positive")
	}
	if c.Schedule.InitialDelay < 0 {
		return errors.New("schedule.initial_delay must not be negative")
	}
	return nil
}

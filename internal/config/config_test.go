package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitViper_Defaults(t *testing.T) {
	v, err := InitViper(t.TempDir())
	require.NoError(t, err)

	c, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "openai/clip-vit-base-patch16", c.Model.ID)
	assert.Equal(t, 1500*time.Millisecond, c.Schedule.InferenceInterval)
	assert.Equal(t, 600*time.Millisecond, c.Schedule.InitialDelay)
	assert.Equal(t, 150*time.Millisecond, c.Schedule.SegmentationInterval)
	assert.True(t, c.Schedule.SkipBusyInference)
	assert.True(t, c.Errors.FatalInference)
	assert.Equal(t, 640, c.Camera.Width)
	assert.Empty(t, c.Metrics.Listen)
}

func TestInitViper_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	toml := `
[camera]
device = "/dev/video2"
width = 320

[schedule]
inference_interval = "2s"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(toml), 0o644))
	t.Setenv("LIVEMATCH_CAMERA_WIDTH", "800")
	t.Setenv("LIVEMATCH_ERRORS_FATAL_INFERENCE", "false")

	v, err := InitViper(dir)
	require.NoError(t, err)
	c, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "/dev/video2", c.Camera.Device)
	assert.Equal(t, 800, c.Camera.Width, "env overrides file")
	assert.Equal(t, 2*time.Second, c.Schedule.InferenceInterval)
	assert.False(t, c.Errors.FatalInference)
}

func TestInitViper_BadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[camera\n"), 0o644))
	_, err := InitViper(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model", func(c *Config) { c.Model.ID = "" }},
		{"zero width", func(c *Config) { c.Camera.Width = 0 }},
		{"zero interval", func(c *Config) { c.Schedule.InferenceInterval = 0 }},
		{"negative delay", func(c *Config) { c.Schedule.InitialDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	d := Defaults()
	assert.NoError(t, d.Validate())
}

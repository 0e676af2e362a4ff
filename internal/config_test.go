package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "-", cfg.Input)
	assert.Equal(t, "output.webm", cfg.Output)
	assert.False(t, cfg.Compress)
	assert.True(t, cfg.Audio)
	assert.Equal(t, 10*time.Minute, cfg.MaxDuration)
	assert.Equal(t, 48000, cfg.AudioSampleRate)
	assert.Equal(t, 2, cfg.AudioChannels)
	assert.Equal(t, 120, cfg.VideoPoolCapacity)
	assert.Equal(t, 256, cfg.AudioPoolCapacity)
	assert.Equal(t, 8, cfg.VideoQueueDepth)
	assert.Equal(t, 3*time.Second, cfg.PrepareTimeout)
	assert.Equal(t, 2*time.Second, cfg.StartTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushTimeout)
	assert.Equal(t, 50, cfg.DrainRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.DrainPoll)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output: rec.webm
compress: true
audio:
  channels: 1
record:
  max_duration: 90s
timeouts:
  flush: 2s
`), 0o644))

	v := NewViper()
	require.NoError(t, ReadConfigFile(v, path))
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "rec.webm", cfg.Output)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 1, cfg.AudioChannels)
	assert.Equal(t, 2*time.Second, cfg.FlushTimeout)
	assert.Equal(t, 90*time.Second, cfg.MaxDuration)
}

func TestReadConfigFileMissing(t *testing.T) {
	v := NewViper()
	err := ReadConfigFile(v, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RECORDER_DRAIN_RETRIES", "7")
	t.Setenv("RECORDER_OUTPUT", "env.webm")
	t.Setenv("RECORDER_RECORD_MAX_DURATION", "5m")

	cfg, err := LoadConfig(NewViper())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.DrainRetries)
	assert.Equal(t, "env.webm", cfg.Output)
	assert.Equal(t, 5*time.Minute, cfg.MaxDuration)
}

func TestConfigValidate(t *testing.T) {
	v := NewViper()
	v.Set("output", "-")
	_, err := LoadConfig(v)
	assert.Error(t, err)

	v = NewViper()
	v.Set("audio.channels", 6)
	_, err = LoadConfig(v)
	assert.Error(t, err)

	v = NewViper()
	v.Set("record.max_duration", -time.Second)
	_, err = LoadConfig(v)
	assert.Error(t, err)

	v = NewViper()
	v.Set("audio.channels", 6)

	// channels do not matter without audio
	v.Set("audio.enabled", false)
	_, err = LoadConfig(v)
	assert.NoError(t, err)
}

func TestOpenInput(t *testing.T) {
	cfg := &Config{Input: "-"}
	f, err := cfg.OpenInput()
	require.NoError(t, err)
	assert.Equal(t, os.Stdin, f)

	cfg.Input = filepath.Join(t.TempDir(), "missing.mkv")
	_, err = cfg.OpenInput()
	assert.Error(t, err)
}

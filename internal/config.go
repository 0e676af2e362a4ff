package internal

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// AppName is used for the config directory and the env prefix.
const AppName = "go-camera-recorder"

// DebugMode はデバッグログを出力するかどうか
var DebugMode bool

// Config holds everything a recording run needs.
type Config struct {
	Input    string
	Output   string
	Compress bool
	Audio    bool

	// MaxDuration は録画時間の上限（レコーダ側で 10 分に丸める）
	MaxDuration time.Duration

	AudioSampleRate int
	AudioChannels   int

	VideoPoolCapacity int
	AudioPoolCapacity int
	VideoQueueDepth   int

	PrepareTimeout time.Duration
	StartTimeout   time.Duration
	FlushTimeout   time.Duration
	DrainRetries   int
	DrainPoll      time.Duration

	PacingMaxWait time.Duration
	LogLevel      string
}

// NewViper returns a viper instance with defaults, env binding and config search paths.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("input", "-")
	v.SetDefault("output", "output.webm")
	v.SetDefault("compress", false)
	v.SetDefault("record.max_duration", 10*time.Minute)
	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("pool.video_capacity", 120)
	v.SetDefault("pool.audio_capacity", 256)
	v.SetDefault("video.queue_depth", 8)
	v.SetDefault("timeouts.prepare", 3*time.Second)
	v.SetDefault("timeouts.start", 2*time.Second)
	v.SetDefault("timeouts.flush", 500*time.Millisecond)
	v.SetDefault("drain.retries", 50)
	v.SetDefault("drain.poll", 10*time.Millisecond)
	v.SetDefault("pacing.max_wait", time.Second)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("RECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("recorder")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
	return v
}

// ReadConfigFile loads path when given, otherwise searches the default paths.
// A missing default config file is not an error.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", path)
		}
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	DebugLog("Config file loaded: %s\n", v.ConfigFileUsed())
	return nil
}

// LoadConfig materializes a Config from v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Input:             v.GetString("input"),
		Output:            v.GetString("output"),
		Compress:          v.GetBool("compress"),
		Audio:             v.GetBool("audio.enabled"),
		MaxDuration:       v.GetDuration("record.max_duration"),
		AudioSampleRate:   v.GetInt("audio.sample_rate"),
		AudioChannels:     v.GetInt("audio.channels"),
		VideoPoolCapacity: v.GetInt("pool.video_capacity"),
		AudioPoolCapacity: v.GetInt("pool.audio_capacity"),
		VideoQueueDepth:   v.GetInt("video.queue_depth"),
		PrepareTimeout:    v.GetDuration("timeouts.prepare"),
		StartTimeout:      v.GetDuration("timeouts.start"),
		FlushTimeout:      v.GetDuration("timeouts.flush"),
		DrainRetries:      v.GetInt("drain.retries"),
		DrainPoll:         v.GetDuration("drain.poll"),
		PacingMaxWait:     v.GetDuration("pacing.max_wait"),
		LogLevel:          v.GetString("log.level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Output == "" {
		return errors.New("output path is required")
	}
	if c.Output == "-" {
		return errors.New("output must be a file path")
	}
	if c.MaxDuration < 0 {
		return errors.Errorf("max duration must not be negative, got %s", c.MaxDuration)
	}
	if c.Audio && c.AudioChannels != 1 && c.AudioChannels != 2 {
		return errors.Errorf("audio channels must be 1 or 2, got %d", c.AudioChannels)
	}
	if c.VideoPoolCapacity <= 0 || c.AudioPoolCapacity <= 0 {
		return errors.New("pool capacities must be positive")
	}
	if c.VideoQueueDepth <= 0 {
		return errors.New("video queue depth must be positive")
	}
	if c.DrainRetries <= 0 {
		return errors.New("drain retries must be positive")
	}
	return nil
}

// OpenInput returns stdin for "-" and the named file otherwise.
func (c *Config) OpenInput() (*os.File, error) {
	if c.Input == "" || c.Input == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(c.Input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open input %s", c.Input)
	}
	return f, nil
}

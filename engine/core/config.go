package core

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top level configuration, usually read from a TOML file.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Loader  LoaderConfig  `toml:"loader"`
	Encoder EncoderConfig `toml:"encoder"`
}

type LogConfig struct {
	// One of debug, info, warn, error, fatal.
	Level  string `toml:"level"`
	Prefix string `toml:"prefix"`
}

/**
 * @brief Configuration of the scene loader.
 */
type LoaderConfig struct {
	/** @brief Number of decode+upload submissions allowed in flight at once. */
	ImagesInFlight int `toml:"images_in_flight"`
	/** @brief Maximum time to wait on an upload fence. A timeout is fatal. */
	FenceTimeout Duration `toml:"fence_timeout"`
	/** @brief Runs the structural validation of the glTF document. */
	Debug bool `toml:"debug"`
}

/**
 * @brief Configuration of a video encoder session.
 */
type EncoderConfig struct {
	/** @brief Number of decode picture buffer slots. */
	NumDpbSlots int `toml:"num_dpb_slots"`
	/**
	 * @brief Number of frames encoded without an acknowledged reference
	 * before the session falls back to a full reset.
	 */
	MaxFramesWithoutAck uint32 `toml:"max_frames_without_ack"`
	/** @brief Maximum time to wait on an encode fence. A timeout is fatal. */
	FenceTimeout Duration `toml:"fence_timeout"`
	/** @brief Rate control virtual buffer size, in milliseconds. */
	VirtualBufferSizeMs uint32 `toml:"virtual_buffer_ms"`
	/** @brief Rate control initial virtual buffer occupancy, in milliseconds. */
	InitialVirtualBufferSizeMs uint32 `toml:"initial_virtual_buffer_ms"`
	/** @brief Panics when the render-thread-only entry points are entered concurrently. */
	Debug bool `toml:"debug"`
}

// Duration wraps time.Duration so it can be written as "1s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		ImagesInFlight: 3,
		FenceTimeout:   Duration{time.Second},
	}
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		NumDpbSlots:                2,
		MaxFramesWithoutAck:        100,
		FenceTimeout:               Duration{time.Second},
		VirtualBufferSizeMs:        5000,
		InitialVirtualBufferSizeMs: 4000,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Loader:  DefaultLoaderConfig(),
		Encoder: DefaultEncoderConfig(),
	}
}

// LoadConfig reads a TOML file on top of the defaults. Keys absent from the file keep their default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		err = fmt.Errorf("failed to parse configuration: %w", err)
		LogError(err.Error())
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		LogError(err.Error())
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Loader.ImagesInFlight < 1 {
		return fmt.Errorf("loader.images_in_flight must be >= 1, got %d", c.Loader.ImagesInFlight)
	}
	if c.Encoder.NumDpbSlots < 2 {
		return fmt.Errorf("encoder.num_dpb_slots must be >= 2, got %d", c.Encoder.NumDpbSlots)
	}
	if c.Loader.FenceTimeout.Duration <= 0 || c.Encoder.FenceTimeout.Duration <= 0 {
		return fmt.Errorf("fence timeouts must be positive")
	}
	return nil
}

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"demuxd/internal/selector"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. DEMUXD_ENGINE_MIN_BUFFERING_TIME.
const EnvPrefix = "DEMUXD"

// Channel defines the final, processed structure for a single channel.
type Channel struct {
	Name        string                  `mapstructure:"name"`
	Id          string                  `mapstructure:"id"`
	ManifestURL string                  `mapstructure:"manifest"`
	Keys        []string                `mapstructure:"keys"` // raw 'kid:key' strings
	Filters     []selector.StreamFilter `mapstructure:"filters"`

	// Key is the processed decryption key, decoded from the first entry of Keys.
	Key []byte `mapstructure:"-"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig holds the buffering and adaptation knobs of a demux session.
type EngineConfig struct {
	MinBufferingTime time.Duration `mapstructure:"min_buffering_time"`
	MaxBufferingTime time.Duration `mapstructure:"max_buffering_time"`
	BandwidthUsage   float64       `mapstructure:"bandwidth_usage_fraction"`
	MaxBitrate       int           `mapstructure:"max_bitrate_cap"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	// RefreshInterval overrides the manifest's own update period for live sources when set.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	FetchAttempts   int           `mapstructure:"fetch_attempts"`
	MaxFailures     int           `mapstructure:"max_failures"`
}

// CacheConfig configures the re-published segment cache.
type CacheConfig struct {
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	WindowSize       uint          `mapstructure:"window_size"`
}

// Config holds the fully processed application configuration.
type Config struct {
	Name      string       `mapstructure:"name"`
	Id        string       `mapstructure:"id"`
	UserAgent string       `mapstructure:"user_agent"`
	Server    ServerConfig `mapstructure:"server"`
	Log       LogConfig    `mapstructure:"log"`
	Engine    EngineConfig `mapstructure:"engine"`
	Cache     CacheConfig  `mapstructure:"cache"`
	Channels  []Channel    `mapstructure:"channels"`
}

// SetDefaults registers the default of every scalar setting. Registering a key is also
// what makes it overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", "demuxd")
	v.SetDefault("id", "demuxd")
	v.SetDefault("user_agent", "demuxd/1.0")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.min_buffering_time", 5*time.Second)
	v.SetDefault("engine.max_buffering_time", 30*time.Second)
	v.SetDefault("engine.bandwidth_usage_fraction", 0.8)
	v.SetDefault("engine.max_bitrate_cap", 24_000_000)
	v.SetDefault("engine.poll_interval", 200*time.Millisecond)
	v.SetDefault("engine.refresh_interval", time.Duration(0))
	v.SetDefault("engine.request_timeout", 5*time.Second)
	v.SetDefault("engine.fetch_attempts", 3)
	v.SetDefault("engine.max_failures", 3)

	v.SetDefault("cache.eviction_interval", 10*time.Second)
	v.SetDefault("cache.window_size", 6)
}

// LoadEnv loads .env style files into the process environment. A missing file is not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads and parses the configuration file at path with a private viper instance.
func LoadConfig(path string) (*Config, error) {
	return Load(viper.New(), path)
}

// Load reads path (JSON or YAML, by extension) into v, applies defaults and DEMUXD_
// environment overrides, then decodes and validates the result. Flags bound to v by the
// caller take precedence over both.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// Process the raw keys into byte slices.
	seen := make(map[string]bool, len(cfg.Channels))
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Id == "" {
			return nil, fmt.Errorf("channel %d has no id", i)
		}
		if seen[ch.Id] {
			return nil, fmt.Errorf("duplicate channel ID found in config: %s", ch.Id)
		}
		seen[ch.Id] = true
		if ch.ManifestURL == "" {
			return nil, fmt.Errorf("channel '%s' has no manifest URL", ch.Id)
		}
		key, err := decodeKey(ch.Id, ch.Keys)
		if err != nil {
			return nil, err
		}
		ch.Key = key
		if _, err := selector.Compile(ch.Filters); err != nil {
			return nil, fmt.Errorf("invalid filters for channel '%s': %w", ch.Id, err)
		}
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeKey takes the first 'kid:key' entry and decodes the key part. A channel may not
// be encrypted, in which case the key is nil.
func decodeKey(channelID string, keys []string) ([]byte, error) {
	if len(keys) == 0 || keys[0] == "" {
		return nil, nil
	}
	keyParts := strings.Split(keys[0], ":")
	if len(keyParts) != 2 {
		return nil, fmt.Errorf("invalid key format for channel '%s': expected 'kid:key', got '%s'", channelID, keys[0])
	}
	keyBytes, err := hex.DecodeString(keyParts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key for channel '%s': %w", channelID, err)
	}
	return keyBytes, nil
}

// Validate checks the engine knobs against their allowed ranges.
func (e EngineConfig) Validate() error {
	if e.MinBufferingTime < 0 {
		return fmt.Errorf("min_buffering_time must not be negative")
	}
	if e.MaxBufferingTime <= e.MinBufferingTime {
		return fmt.Errorf("max_buffering_time (%v) must be greater than min_buffering_time (%v)", e.MaxBufferingTime, e.MinBufferingTime)
	}
	if e.BandwidthUsage <= 0 || e.BandwidthUsage > 1 {
		return fmt.Errorf("bandwidth_usage_fraction must be in (0, 1], got %v", e.BandwidthUsage)
	}
	if e.MaxBitrate <= 0 {
		return fmt.Errorf("max_bitrate_cap must be positive")
	}
	if e.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if e.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1")
	}
	return nil
}

// Channel returns the channel with the given id.
func (c *Config) Channel(id string) (*Channel, bool) {
	for i := range c.Channels {
		if c.Channels[i].Id == id {
			return &c.Channels[i], true
		}
	}
	return nil, false
}

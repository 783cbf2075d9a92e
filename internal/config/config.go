// Package config loads btlink settings from an optional YAML file, an
// optional .env file and BTLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"btlink/internal/connmgr"
	"btlink/internal/discovery"
	"btlink/internal/logging"
	"btlink/internal/session"
)

const EnvPrefix = "BTLINK"

type Config struct {
	Adapter        string             `mapstructure:"adapter"`
	ServiceName    string             `mapstructure:"service_name"`
	SessionUUID    string             `mapstructure:"session_uuid"`
	ConnectTimeout time.Duration      `mapstructure:"connect_timeout"`
	PowerOn        bool               `mapstructure:"power_on"`
	Discoverable   DiscoverableConfig `mapstructure:"discoverable"`
	Log            logging.Config     `mapstructure:"log"`
}

type DiscoverableConfig struct {
	Long  time.Duration `mapstructure:"long"`
	Short time.Duration `mapstructure:"short"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter", connmgr.DefaultAdapter)
	v.SetDefault("service_name", connmgr.DefaultServiceName)
	v.SetDefault("session_uuid", connmgr.DefaultSessionUUID.String())
	v.SetDefault("connect_timeout", session.DefaultConnectTimeout)
	v.SetDefault("power_on", true)
	v.SetDefault("discoverable.long", discovery.DefaultLongWindow)
	v.SetDefault("discoverable.short", discovery.DefaultShortWindow)
	lc := logging.DefaultConfig()
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.debug", lc.Debug)
	v.SetDefault("log.output", lc.Output)
	v.SetDefault("log.time_format", lc.TimeFormat)
}

// Load reads path if given, else looks for btlink.yaml in . and /etc/btlink.
// A missing default file is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("btlink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/btlink")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Adapter == "" {
		return errors.New("config: adapter required")
	}
	if c.ServiceName == "" {
		return errors.New("config: service_name required")
	}
	if _, err := uuid.Parse(c.SessionUUID); err != nil {
		return fmt.Errorf("config: session_uuid: %w", err)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("config: connect_timeout must be positive")
	}
	if c.Discoverable.Long <= 0 || c.Discoverable.Short <= 0 {
		return errors.New("config: discoverable windows must be positive")
	}
	return nil
}

// SessionID returns the parsed session UUID. Call only on a validated Config.
func (c Config) SessionID() uuid.UUID {
	return uuid.MustParse(c.SessionUUID)
}

func (c Config) Supervisor() session.Config {
	return session.Config{
		ServiceName:    c.ServiceName,
		SessionID:      c.SessionID(),
		ConnectTimeout: c.ConnectTimeout,
	}
}

func (c Config) Discovery() discovery.Config {
	return discovery.Config{
		LongWindow:  c.Discoverable.Long,
		ShortWindow: c.Discoverable.Short,
	}
}

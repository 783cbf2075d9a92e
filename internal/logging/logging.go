// Package logging provides JSON structured logging using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel  = "BTLINK_LOG_LEVEL"
	EnvDebug     = "BTLINK_DEBUG"
	EnvLogOutput = "BTLINK_LOG_OUTPUT"
)

var globalLogger zerolog.Logger

type Config struct {
	Level      string `mapstructure:"level"`
	Debug      bool   `mapstructure:"debug"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

func init() {
	globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339
}

// DefaultConfig reads BTLINK_LOG_LEVEL, BTLINK_DEBUG and BTLINK_LOG_OUTPUT.
// config.Load uses it as the base for the log section.
func DefaultConfig() Config {
	return Config{
		Level:  getEnvOrDefault(EnvLogLevel, "info"),
		Debug:  getEnvBoolOrDefault(EnvDebug, false),
		Output: getEnvOrDefault(EnvLogOutput, "stderr"),
	}
}

// Init replaces the global logger. Unknown levels are an error.
func Init(config Config) error {
	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	}
	return initWriter(config, output)
}

func initWriter(config Config, output io.Writer) error {
	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(strings.ToLower(config.Level))
		if err != nil {
			return err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	globalLogger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = globalLogger

	return nil
}

func GetLogger() zerolog.Logger {
	return globalLogger
}

// WithComponent returns a child of the global logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

// Nop returns a logger that discards everything; meant for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	value = strings.ToLower(value)

	return value == "true" || value == "1" || value == "yes" || value == "on"
}

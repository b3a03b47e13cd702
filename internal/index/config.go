package index

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
)

var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidID checks if the given index ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	u.URL = parsedURL
	return nil
}

// IndexConfig is an auxiliary struct for Config describing one index.
//
// GitURL is kept as a plain string because git remotes may use scp-like
// syntax (git@host:path) that net/url cannot represent.
type IndexConfig struct {
	GitURL     string  `toml:"git_url"`
	ArchiveURL tomlURL `toml:"archive_url"`

	VerifySignatures bool   `toml:"verify_signatures,omitempty"`
	SigningKeyPath   string `toml:"signing_key_path,omitempty"`
}

// Check validates the configuration.
func (indexConfig *IndexConfig) Check() error {
	if indexConfig.GitURL == "" {
		return errors.New("git_url is not set")
	}
	if indexConfig.ArchiveURL.URL == nil {
		return errors.New("archive_url is not set")
	}

	if indexConfig.VerifySignatures && indexConfig.SigningKeyPath != "" {
		if !path.IsAbs(indexConfig.SigningKeyPath) {
			return errors.New("signing_key_path must be an absolute path")
		}
		if _, err := os.Stat(indexConfig.SigningKeyPath); os.IsNotExist(err) {
			return errors.New("signing_key_path does not exist: " + indexConfig.SigningKeyPath)
		} else if err != nil {
			return errors.New("cannot access signing_key_path: " + err.Error())
		}

		// Check if file is readable
		file, err := os.Open(indexConfig.SigningKeyPath)
		if err != nil {
			return errors.New("cannot read signing_key_path: " + err.Error())
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close signing key file during validation", "path", indexConfig.SigningKeyPath, "error", err)
		}
	}

	return nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := index.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir     string                  `toml:"dir"`
	Log     LogConfig               `toml:"log"`
	Indexes map[string]*IndexConfig `toml:"indexes"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{}
}

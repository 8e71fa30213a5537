package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const DefaultPath = "consensus.toml"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Loop     LoopConfig     `toml:"loop"`
	Debate   DebateConfig   `toml:"debate"`
	SecondMe SecondMeConfig `toml:"secondme"`
	NATS     NATSConfig     `toml:"nats"`
	Log      LogConfig      `toml:"log"`
	Raw      map[string]any `toml:"-"`
	Path     string         `toml:"-"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	DBPath         string   `toml:"db_path"`
	PublicURL      string   `toml:"public_url"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LoopConfig struct {
	TickIntervalMS int `toml:"tick_interval_ms"`
}

type DebateConfig struct {
	SessionID       string `toml:"session_id"`
	SpeakIntervalMS int    `toml:"speak_interval_ms"`
	BusyRetries     int    `toml:"busy_retries"`
}

type SecondMeConfig struct {
	Endpoint     string  `toml:"endpoint"`
	ClientID     string  `toml:"client_id"`
	ClientSecret string  `toml:"client_secret"`
	AccessToken  string  `toml:"access_token"`
	UserID       string  `toml:"user_id"`
	TimeoutMS    int     `toml:"timeout_ms"`
	Retries      int     `toml:"retries"`
	RateLimit    float64 `toml:"rate_limit"`
	Burst        int     `toml:"burst"`
}

type NATSConfig struct {
	URL string `toml:"url"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func (c LoopConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c DebateConfig) SpeakInterval() time.Duration {
	return time.Duration(c.SpeakIntervalMS) * time.Millisecond
}

func (c SecondMeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LoadDotEnv loads .env style files into the process environment.
// Missing files are skipped and variables already set win.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	return nil
}

// Load reads path (or consensus.toml when empty), applies environment
// overrides and defaults, then validates. The default file may be absent.
func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = DefaultPath
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := Decode(string(bytes), &cfg); err != nil {
			return Config{}, err
		}
		cfg.Path = resolved
	case errors.Is(err, fs.ErrNotExist) && path == "":
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Decode(data string, cfg *Config) error {
	if _, err := toml.Decode(data, cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SECONDME_API_ENDPOINT", &c.SecondMe.Endpoint)
	str("SECONDME_CLIENT_ID", &c.SecondMe.ClientID)
	str("SECONDME_CLIENT_SECRET", &c.SecondMe.ClientSecret)
	str("SECONDME_ACCESS_TOKEN", &c.SecondMe.AccessToken)
	str("CONSENSUS_ADDR", &c.Server.Addr)
	str("CONSENSUS_DB", &c.Server.DBPath)
	str("CONSENSUS_PUBLIC_URL", &c.Server.PublicURL)
	str("CONSENSUS_LOG_LEVEL", &c.Log.Level)
	str("NATS_URL", &c.NATS.URL)

	if v, ok := lookup("CONSENSUS_TICK_INTERVAL_MS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse CONSENSUS_TICK_INTERVAL_MS: %w", err)
		}
		c.Loop.TickIntervalMS = n
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8092"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "data/consensus.db"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost" + c.Server.Addr
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Loop.TickIntervalMS == 0 {
		c.Loop.TickIntervalMS = 1000
	}
	if c.Debate.SessionID == "" {
		c.Debate.SessionID = "session"
	}
	if c.Debate.SpeakIntervalMS == 0 {
		c.Debate.SpeakIntervalMS = 1000
	}
	if c.Debate.BusyRetries == 0 {
		c.Debate.BusyRetries = 5
	}
	if c.SecondMe.Endpoint == "" {
		c.SecondMe.Endpoint = "https://api.second.me"
	}
	if c.SecondMe.UserID == "" {
		c.SecondMe.UserID = "demo-user-123"
	}
	if c.SecondMe.TimeoutMS == 0 {
		c.SecondMe.TimeoutMS = 15000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Loop.TickIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("loop.tick_interval_ms must be positive, got %d", c.Loop.TickIntervalMS))
	}
	if c.Debate.SpeakIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("debate.speak_interval_ms must not be negative, got %d", c.Debate.SpeakIntervalMS))
	}
	if _, err := url.ParseRequestURI(c.SecondMe.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("secondme.endpoint: %w", err))
	}
	if c.SecondMe.RateLimit < 0 {
		errs = append(errs, errors.New("secondme.rate_limit must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, console or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns the effective settings with credentials masked.
func (c Config) Redacted() map[string]any {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "***"
	}
	return map[string]any{
		"path": c.Path,
		"server": map[string]any{
			"addr":            c.Server.Addr,
			"db_path":         c.Server.DBPath,
			"public_url":      c.Server.PublicURL,
			"allowed_origins": c.Server.AllowedOrigins,
		},
		"loop":   map[string]any{"tick_interval_ms": c.Loop.TickIntervalMS},
		"debate": map[string]any{"session_id": c.Debate.SessionID, "speak_interval_ms": c.Debate.SpeakIntervalMS, "busy_retries": c.Debate.BusyRetries},
		"secondme": map[string]any{
			"endpoint":      c.SecondMe.Endpoint,
			"client_id":     c.SecondMe.ClientID,
			"client_secret": mask(c.SecondMe.ClientSecret),
			"access_token":  mask(c.SecondMe.AccessToken),
			"user_id":       c.SecondMe.UserID,
		},
		"nats": map[string]any{"url": c.NATS.URL},
		"log":  map[string]any{"level": c.Log.Level, "format": c.Log.Format},
	}
}

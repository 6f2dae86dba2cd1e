package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the configuration of mcp-httpd. Every field can be set from the configuration file,
// from an MCP_HTTPD_ environment variable (MCP_HTTPD_REPLY_TIMEOUT for reply-timeout), or from
// the flag of the same name, the flag taking precedence.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Path            string        `mapstructure:"path"`
	MaxBodySize     int           `mapstructure:"max-body-size"`
	ReplyTimeout    time.Duration `mapstructure:"reply-timeout"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout"`
	SSEKeepAlive    time.Duration `mapstructure:"sse-keep-alive"`
	StreamQueueSize int           `mapstructure:"stream-queue-size"`

	MetricsAddr string `mapstructure:"metrics-addr"`

	RedisAddr     string        `mapstructure:"redis-addr"`
	RedisPassword string        `mapstructure:"redis-password"`
	RedisDB       int           `mapstructure:"redis-db"`
	SessionTTL    time.Duration `mapstructure:"session-ttl"`

	Exec string `mapstructure:"exec"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

const envPrefix = "MCP_HTTPD"

// loadConfig merges the configuration file, the environment and the flags of cmd into a Config.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (Config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, errors.New("max-body-size must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"reply-timeout":  c.ReplyTimeout,
		"read-timeout":   c.ReadTimeout,
		"write-timeout":  c.WriteTimeout,
		"sse-keep-alive": c.SSEKeepAlive,
		"session-ttl":    c.SessionTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) serverOptions(logger *slog.Logger, store mcphttp.SessionStore) []mcphttp.ServerOption {
	return []mcphttp.ServerOption{
		mcphttp.WithHost(c.Host),
		mcphttp.WithPort(c.Port),
		mcphttp.WithPath(c.Path),
		mcphttp.WithMaxBodySize(c.MaxBodySize),
		mcphttp.WithReplyTimeout(c.ReplyTimeout),
		mcphttp.WithReadTimeout(c.ReadTimeout),
		mcphttp.WithWriteTimeout(c.WriteTimeout),
		mcphttp.WithSSEKeepAlive(c.SSEKeepAlive),
		mcphttp.WithStreamQueueSize(c.StreamQueueSize),
		mcphttp.WithSessionStore(store),
		mcphttp.WithLogger(logger),
	}
}

// sessionStore returns the Redis store when an address is configured, the memory store
// otherwise. The returned close function releases the Redis client.
func (c Config) sessionStore(ctx context.Context) (mcphttp.SessionStore, func() error, error) {
	if c.RedisAddr == "" {
		return mcphttp.NewMemorySessionStore(), func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", c.RedisAddr, err)
	}
	return mcphttp.NewRedisSessionStore(rdb, mcphttp.WithSessionTTL(c.SessionTTL)), rdb.Close, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func parseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

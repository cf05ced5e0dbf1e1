// Package config holds runtime settings populated from command-line flags with
// environment fallback for secrets.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/fitsync/internal/session"
	"github.com/and161185/fitsync/internal/subscription"
	"github.com/and161185/fitsync/internal/typing"
)

// Backends a Config can select.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Environment variables read when the matching flag is empty.
const (
	EnvJWTKey    = "FITSYNC_JWT_KEY"
	EnvDSN       = "FITSYNC_DSN"
	EnvProjectID = "FITSYNC_PROJECT_ID"
)

// Config is the full runtime configuration.
type Config struct {
	Backend          string
	DSN              string
	ProjectID        string
	Migrate          bool
	PropagationDelay time.Duration // memory backend only

	JWTKey   string
	TokenTTL time.Duration

	RetryDelays   DurationList
	ErrorTTL      time.Duration
	WriteTimeout  time.Duration
	TypingRefresh time.Duration
	MaxPerOwner   int

	LogLevel string
	Dev      bool
}

// Default returns the configuration used when no flag is given.
func Default() Config {
	return Config{
		Backend:          BackendMemory,
		Migrate:          true,
		PropagationDelay: 800 * time.Millisecond,
		TokenTTL:         24 * time.Hour,
		RetryDelays:      append(DurationList(nil), session.DefaultRetryDelays...),
		ErrorTTL:         session.DefaultErrorTTL,
		WriteTimeout:     15 * time.Second,
		TypingRefresh:    typing.DefaultRefreshInterval,
		MaxPerOwner:      subscription.DefaultMaxPerOwner,
		LogLevel:         "info",
	}
}

// RegisterFlags binds c to fs; current values become the defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Backend, "backend", c.Backend, "document store: memory, postgres or firestore")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "PostgreSQL DSN (env "+EnvDSN+")")
	fs.StringVar(&c.ProjectID, "project", c.ProjectID, "Firestore project id (env "+EnvProjectID+")")
	fs.BoolVar(&c.Migrate, "migrate", c.Migrate, "apply migrations on start (postgres)")
	fs.DurationVar(&c.PropagationDelay, "propagation-delay", c.PropagationDelay, "simulated write visibility delay (memory)")
	fs.StringVar(&c.JWTKey, "jwt-key", c.JWTKey, "HS256 signing key, at least 32 bytes (env "+EnvJWTKey+")")
	fs.DurationVar(&c.TokenTTL, "token-ttl", c.TokenTTL, "access token TTL")
	fs.Var(&c.RetryDelays, "retry-delays", "profile read backoff, comma separated durations")
	fs.DurationVar(&c.ErrorTTL, "error-ttl", c.ErrorTTL, "how long a session error stays visible")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "timeout of a single interaction write")
	fs.DurationVar(&c.TypingRefresh, "typing-refresh", c.TypingRefresh, "typing record refresh interval")
	fs.IntVar(&c.MaxPerOwner, "max-subscriptions", c.MaxPerOwner, "live subscriptions per owner")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&c.Dev, "dev", c.Dev, "human readable logs")
}

// Parse builds a Config from args, falling back to getenv for empty secrets.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (Config, error) {
	c := Default()
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if getenv != nil {
		fallback(&c.JWTKey, getenv(EnvJWTKey))
		fallback(&c.DSN, getenv(EnvDSN))
		fallback(&c.ProjectID, getenv(EnvProjectID))
	}
	return c, c.Validate()
}

func fallback(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []error
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DSN == "" {
			problems = append(problems, errors.New("postgres backend needs -dsn"))
		}
	case BackendFirestore:
		if c.ProjectID == "" {
			problems = append(problems, errors.New("firestore backend needs -project"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if len(c.JWTKey) < 32 {
		problems = append(problems, errors.New("jwt key must be at least 32 bytes"))
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, errors.New("token ttl must be positive"))
	}
	for _, d := range c.RetryDelays {
		if d < 0 {
			problems = append(problems, fmt.Errorf("negative retry delay %s", d))
			break
		}
	}
	if c.MaxPerOwner <= 0 {
		problems = append(problems, errors.New("max subscriptions must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(problems...)
}

// Logger builds the zap logger the configuration asks for.
func (c Config) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// DurationList is a flag.Value of comma separated durations.
type DurationList []time.Duration

func (d *DurationList) String() string {
	if d == nil {
		return ""
	}
	parts := make([]string, len(*d))
	for i, v := range *d {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

// Set replaces the list; an empty value clears it.
func (d *DurationList) Set(s string) error {
	*d = nil
	if strings.TrimSpace(s) == "" {
		return nil
	}
	for _, p := range strings.Split(s, ",") {
		v, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		*d = append(*d, v)
	}
	return nil
}

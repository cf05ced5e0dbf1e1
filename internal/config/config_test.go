package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fitsync/internal/session"
)

const key = "0123456789abcdef0123456789abcdef"

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse(newFlagSet(), []string{"-jwt-key", key}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, c.Backend)
	assert.Equal(t, []time.Duration(session.DefaultRetryDelays), []time.Duration(c.RetryDelays))
	assert.Equal(t, 16, c.MaxPerOwner)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantErr string
		check   func(t *testing.T, c Config)
	}{
		{
			name: "env fallback for secrets",
			args: []string{"-backend", "postgres"},
			env:  map[string]string{EnvJWTKey: key, EnvDSN: "postgres://localhost/fitsync"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, key, c.JWTKey)
				assert.Equal(t, "postgres://localhost/fitsync", c.DSN)
			},
		},
		{
			name: "flag wins over env",
			args: []string{"-jwt-key", key, "-backend", "firestore", "-project", "flag-project"},
			env:  map[string]string{EnvProjectID: "env-project"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "flag-project", c.ProjectID)
			},
		},
		{
			name: "retry delays",
			args: []string{"-jwt-key", key, "-retry-delays", "0s, 250ms,1s"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, DurationList{0, 250 * time.Millisecond, time.Second}, c.RetryDelays)
			},
		},
		{
			name:    "missing key",
			args:    nil,
			wantErr: "jwt key",
		},
		{
			name:    "postgres without dsn",
			args:    []string{"-jwt-key", key, "-backend", "postgres"},
			wantErr: "needs -dsn",
		},
		{
			name:    "unknown backend",
			args:    []string{"-jwt-key", key, "-backend", "redis"},
			wantErr: "unknown backend",
		},
		{
			name:    "bad log level",
			args:    []string{"-jwt-key", key, "-log-level", "loud"},
			wantErr: "log level",
		},
		{
			name:    "bad duration",
			args:    []string{"-jwt-key", key, "-retry-delays", "soon"},
			wantErr: "invalid value",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(newFlagSet(), tt.args, env(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c := Default()
	c.Backend = "postgres"
	c.MaxPerOwner = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs -dsn")
	assert.Contains(t, err.Error(), "jwt key")
	assert.Contains(t, err.Error(), "max subscriptions")
}

func TestLogger(t *testing.T) {
	c := Default()
	c.LogLevel = "warn"
	log, err := c.Logger()
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(-1))
	assert.True(t, log.Core().Enabled(1))
}

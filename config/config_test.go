package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bagaking/claude-balancer/balancer"
)

func TestLoadFromReader_YAML(t *testing.T) {
	t.Setenv("CB_TEST_TOKEN_1", "secret-1")

	cfg, err := LoadFromReader(strings.NewReader(`
listen: ":8080"
timeout: 30s
stream_idle_timeout: 2m
log:
  level: debug
  format: console
endpoints:
  - baseURL: https://one.example.com/api/
    authToken: ${CB_TEST_TOKEN_1}
  - baseURL: https://two.example.com/api/
    authToken: ${CB_TEST_TOKEN_MISSING:-fallback}
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.StreamIdleTimeout)
	assert.Equal(t, DefaultVersion, cfg.DefaultVersion)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.MaxBodyBytes)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "secret-1", cfg.Endpoints[0].AuthToken)
	assert.Equal(t, "fallback", cfg.Endpoints[1].AuthToken)
}

func TestLoadFromReader_JSON(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`{
  "endpoints": [
    {"baseURL": "https://one.example.com/api/", "authToken": "tok"}
  ]
}`))
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.Listen)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Zero(t, cfg.StreamIdleTimeout)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "tok", cfg.Endpoints[0].AuthToken)
}

func TestLoadFromReader_NoEndpoints(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("listen: \":1\"\nendpoints: []\n"))
	assert.ErrorIs(t, err, balancer.ErrNoEndpoints)
}

func TestLoadFromReader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "broken yaml", doc: "endpoints: [\n"},
		{name: "negative idle timeout", doc: "stream_idle_timeout: -1s\nendpoints:\n  - {baseURL: https://a/, authToken: t}\n"},
		{name: "bad log format", doc: "log: {format: xml}\nendpoints:\n  - {baseURL: https://a/, authToken: t}\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadFromReader(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"endpoints:\n  - baseURL: https://a.example.com/api/\n    authToken: tok\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSubstituteEnvVars_EscapedDollar(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "price: $5", substituteEnvVars("price: $$5"))
	assert.Equal(t, "x: d", substituteEnvVars("x: ${CB_TEST_UNSET_VAR:-d}"))
	assert.Equal(t, "x: ", substituteEnvVars("x: ${CB_TEST_UNSET_VAR}"))
}

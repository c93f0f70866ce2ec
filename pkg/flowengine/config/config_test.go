package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowengine/pkg/flowengine/config"
)

// TestNew verifies Config creation from maps.
func TestNew(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"nil map", nil},
		{"empty map", map[string]any{}},
		{"with values", map[string]any{"key": "value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.NotNil(t, cfg.Raw())
		})
	}
}

// TestString verifies string extraction with defaults.
func TestString(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		key  string
		want string
	}{
		{"key exists", map[string]any{"driver": "sqlite"}, "driver", "sqlite"},
		{"key missing", map[string]any{"other": "value"}, "driver", "default"},
		{"empty string", map[string]any{"driver": ""}, "driver", ""},
		{"wrong type", map[string]any{"driver": 123}, "driver", "default"},
		{"nested", map[string]any{"store": map[string]any{"driver": "redis"}}, "store.driver", "redis"},
		{"yaml style nested", map[string]any{"store": map[any]any{"driver": "postgres"}}, "store.driver", "postgres"},
		{"flat dotted key wins", map[string]any{
			"store.driver": "flat",
			"store":        map[string]any{"driver": "nested"},
		}, "store.driver", "flat"},
		{"path through scalar", map[string]any{"store": "memory"}, "store.driver", "default"},
		{"nil map", nil, "driver", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.String(tt.key, "default"))
		})
	}
}

// TestDuration verifies duration extraction with various input types.
func TestDuration(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{"string", "30s", 30 * time.Second},
		{"complex string", "1h30m", 90 * time.Minute},
		{"int seconds", 10, 10 * time.Second},
		{"int64 seconds", int64(5), 5 * time.Second},
		{"float seconds", 1.5, 1500 * time.Millisecond},
		{"duration", 250 * time.Millisecond, 250 * time.Millisecond},
		{"invalid string", "soon", time.Minute},
		{"wrong type", true, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"timeout": tt.value})
			assert.Equal(t, tt.want, cfg.Duration("timeout", time.Minute))
		})
	}
}

// TestInt verifies integer extraction and coercion.
func TestInt(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"int", 8, 8},
		{"int64", int64(9), 9},
		{"whole float", float64(3), 3},
		{"fractional float", 3.5, -1},
		{"numeric string", "12", 12},
		{"bad string", "twelve", -1},
		{"wrong type", true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"n": tt.value})
			assert.Equal(t, tt.want, cfg.Int("n", -1))
		})
	}
}

// TestBoolAndFloat verifies boolean and float extraction.
func TestBoolAndFloat(t *testing.T) {
	cfg := config.New(map[string]any{
		"b1": true,
		"b2": "false",
		"b3": "maybe",
		"f1": 2.5,
		"f2": 2,
		"f3": int64(4),
		"f4": "1.25",
		"f5": "x",
	})

	assert.True(t, cfg.Bool("b1", false))
	assert.False(t, cfg.Bool("b2", true))
	assert.True(t, cfg.Bool("b3", true))
	assert.True(t, cfg.Bool("missing", true))

	assert.Equal(t, 2.5, cfg.Float("f1", 0))
	assert.Equal(t, 2.0, cfg.Float("f2", 0))
	assert.Equal(t, 4.0, cfg.Float("f3", 0))
	assert.Equal(t, 1.25, cfg.Float("f4", 0))
	assert.Equal(t, 9.0, cfg.Float("f5", 9))
}

// TestStringSlice verifies slice extraction.
func TestStringSlice(t *testing.T) {
	cfg := config.New(map[string]any{
		"strings": []string{"a", "b"},
		"anys":    []any{"c", "d"},
		"mixed":   []any{"e", 1},
	})

	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("strings", nil))
	assert.Equal(t, []string{"c", "d"}, cfg.StringSlice("anys", nil))
	assert.Equal(t, []string{"z"}, cfg.StringSlice("mixed", []string{"z"}))
	assert.Nil(t, cfg.StringSlice("missing", nil))
}

// TestSubAndHas verifies nested section access.
func TestSubAndHas(t *testing.T) {
	cfg := config.New(map[string]any{
		"session": map[string]any{"resend_window": "2s"},
		"store":   "memory",
	})

	assert.True(t, cfg.Has("session.resend_window"))
	assert.False(t, cfg.Has("session.max_backoff"))

	sub := cfg.Sub("session")
	assert.Equal(t, 2*time.Second, sub.Duration("resend_window", 0))
	assert.Empty(t, cfg.Sub("store").Raw())
	assert.Empty(t, cfg.Sub("missing").Raw())
}

// TestEngine_Defaults verifies every setting falls back to its default.
func TestEngine_Defaults(t *testing.T) {
	settings, err := config.Engine(config.New(nil))
	require.NoError(t, err)

	assert.Equal(t, config.Defaults(), settings)
	assert.Equal(t, 3, settings.External.MaxRetries)
	assert.Equal(t, 30*time.Second, settings.External.ResendWindow)
	assert.Equal(t, 5*time.Second, settings.Session.ResendWindow)
	assert.Equal(t, 60*time.Second, settings.Session.MaxBackoff)
	assert.True(t, settings.Session.AckOutOfOrder)
	assert.Equal(t, 4, settings.Transport.Partitions)
	assert.Equal(t, 5, settings.Transport.MaxRedeliveries)
	assert.Equal(t, 100*time.Millisecond, settings.Transport.RedeliveryBackoff)
	assert.Equal(t, "memory", settings.Store.Driver)
	assert.Empty(t, settings.Store.DSN)
}

// TestEngine_DefaultMapRoundTrip verifies DefaultMap reads back as Defaults.
func TestEngine_DefaultMapRoundTrip(t *testing.T) {
	settings, err := config.Engine(config.New(config.DefaultMap()))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), settings)
}

// TestEngine_Overrides verifies nested and string-typed overrides.
func TestEngine_Overrides(t *testing.T) {
	cfg := config.New(map[string]any{
		"external": map[string]any{"max_retries": 0},
		"session": map[string]any{
			"resend_window":    "1s",
			"max_backoff":      "10s",
			"ack_out_of_order": "false",
		},
		"transport.partitions": "8",
		"store": map[string]any{
			"driver": "sqlite",
			"dsn":    "flows.db",
		},
	})

	settings, err := config.Engine(cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, settings.External.MaxRetries)
	assert.Equal(t, time.Second, settings.Session.ResendWindow)
	assert.Equal(t, 10*time.Second, settings.Session.MaxBackoff)
	assert.False(t, settings.Session.AckOutOfOrder)
	assert.Equal(t, 8, settings.Transport.Partitions)
	assert.Equal(t, "sqlite", settings.Store.Driver)
	assert.Equal(t, "flows.db", settings.Store.DSN)
}

// TestEngine_Validation verifies invalid settings are rejected.
func TestEngine_Validation(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		wantErr string
	}{
		{"negative retries", map[string]any{"external.max_retries": -1}, "external.max_retries"},
		{"zero resend window", map[string]any{"session.resend_window": "0s"}, "session.resend_window"},
		{"backoff below window", map[string]any{"session.max_backoff": "1s"}, "session.max_backoff"},
		{"no partitions", map[string]any{"transport.partitions": 0}, "transport.partitions"},
		{"negative redeliveries", map[string]any{"transport.max_redeliveries": -2}, "transport.max_redeliveries"},
		{"unknown driver", map[string]any{"store.driver": "cassandra"}, "store.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Engine(config.New(tt.data))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

// TestFromFile verifies YAML and JSON loading.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "flowengine.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
session:
  resend_window: 2s
store:
  driver: sqlite
`), 0o600))

	jsonPath := filepath.Join(dir, "flowengine.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"transport": {"partitions": 2}}`), 0o600))

	t.Run("yaml", func(t *testing.T) {
		cfg, err := config.FromFile(yamlPath)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.Duration("session.resend_window", 0))
		assert.Equal(t, "sqlite", cfg.String("store.driver", ""))
	})

	t.Run("json", func(t *testing.T) {
		cfg, err := config.FromFile(jsonPath)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Int("transport.partitions", 0))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "flowengine.toml")
		require.NoError(t, os.WriteFile(path, []byte(""), 0o600))
		_, err := config.FromFile(path)
		assert.ErrorContains(t, err, "unsupported")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.FromFile(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		data    string
		wantErr string
	}{
		{name: "nested yaml", format: "yaml", data: "transport:\n  partitions: 3\n"},
		{name: "dotted key", format: ".json", data: `{"store.driver": "redis"}`},
		{name: "empty yaml", format: "yml", data: ""},
		{name: "invalid yaml", format: "yaml", data: "a: [unclosed", wantErr: "parse yaml"},
		{name: "invalid json", format: "json", data: "{", wantErr: "parse json"},
		{name: "unknown section", format: "yaml", data: "sesion:\n  resend_window: 2s\n", wantErr: `unknown config section "sesion"`},
		{name: "unknown format", format: "toml", data: "", wantErr: "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse(tt.format, []byte(tt.data))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Find(dir)
	assert.ErrorIs(t, err, config.ErrNoConfigFile)

	jsonPath := filepath.Join(dir, "flowengine.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{}`), 0o600))
	got, err := config.Find(dir)
	require.NoError(t, err)
	assert.Equal(t, jsonPath, got)

	yamlPath := filepath.Join(dir, "flowengine.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(""), 0o600))
	got, err = config.Find(dir)
	require.NoError(t, err)
	assert.Equal(t, yamlPath, got, "yaml is preferred")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("transport:\n  partitions: 6\n"), 0o600))
	cfg, s, err := config.LoadFile(good)
	require.NoError(t, err)
	assert.Equal(t, 6, s.Transport.Partitions)
	assert.Equal(t, config.Defaults().Session, s.Session)
	assert.True(t, cfg.Has("transport.partitions"))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store:\n  driver: cassandra\n"), 0o600))
	_, _, err = config.LoadFile(bad)
	assert.ErrorContains(t, err, "store.driver")
	assert.ErrorContains(t, err, "bad.yaml")
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Fusion.NScan)
	assert.Equal(t, 35.0, cfg.Fusion.AssociationThreshold)
	assert.Equal(t, 5.0, cfg.Fusion.Frequency)
	assert.Equal(t, 5200, cfg.Radar.LocalPort)
	assert.Equal(t, 4202, cfg.DSRC.LocalPort)
	assert.Equal(t, 4200, cfg.DSRC.RemotePort)
	assert.Equal(t, 24601, cfg.Output.Port)
	assert.Equal(t, 200*time.Millisecond, cfg.Fusion.Period())
	assert.InDelta(t, 0.2, cfg.Fusion.DT(), 1e-12)
}

func TestDefaultsFileMatchesDefaults(t *testing.T) {
	got := MustLoadDefaultConfig()
	if diff := cmp.Diff(Defaults(), got); diff != "" {
		t.Errorf("defaults file drifted from Defaults() (-want +got):\n%s", diff)
	}
}

func TestLoad_PartialJSON(t *testing.T) {
	path := writeFile(t, "partial.json", `{"fusion": {"n_scan": 3, "delete_misses": 9}, "run_for": "1m"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Fusion.NScan)
	assert.Equal(t, 9, cfg.Fusion.DeleteMisses)
	assert.Equal(t, Duration(time.Minute), cfg.RunFor)
	// Untouched fields keep their defaults.
	assert.Equal(t, 35.0, cfg.Fusion.AssociationThreshold)
	assert.Equal(t, "CV", cfg.Models.DSRC)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "site.yaml", `
site:
  radar_orientation: 0
models:
  dsrc: CA
bus:
  transport: nats
  nats_url: nats://127.0.0.1:4222
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Site.RadarOrientation)
	assert.Equal(t, MotionCA, cfg.Models.DSRC)
	assert.Equal(t, BusNATS, cfg.Bus.Transport)
	assert.Equal(t, 29.6216931, cfg.Site.RadarLat)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("extension", func(t *testing.T) {
		_, err := Load(writeFile(t, "cfg.toml", "x = 1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "extension")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.json", "{"))
		require.Error(t, err)
	})

	t.Run("unknown motion model", func(t *testing.T) {
		_, err := Load(writeFile(t, "imm.json", `{"models": {"dsrc": "IMM"}}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownMotionModel))
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeFile(t, "dur.json", `{"run_for": "soon"}`))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"delete not above zombie", func(c *Config) { c.Fusion.DeleteMisses = c.Fusion.ZombieMisses }},
		{"zero n_scan", func(c *Config) { c.Fusion.NScan = 0 }},
		{"zero frequency", func(c *Config) { c.Fusion.Frequency = 0 }},
		{"significance of one", func(c *Config) { c.Fusion.Significance = 1 }},
		{"zero confirm hits", func(c *Config) { c.Fusion.ConfirmHits = 0 }},
		{"bad radar mode", func(c *Config) { c.Radar.Mode = "Sweep" }},
		{"nats without url", func(c *Config) { c.Bus.Transport = BusNATS }},
		{"unknown transport", func(c *Config) { c.Bus.Transport = "carrier-pigeon" }},
		{"store without path", func(c *Config) { c.Store.Path = "" }},
		{"min tolerance above max", func(c *Config) { c.Models.DSRCPosMinTolerance = 2 }},
		{"shared local port", func(c *Config) { c.DSRC.LocalPort = c.Radar.LocalPort }},
		{"bad dsrc ip", func(c *Config) { c.DSRC.IPAddress = "radio" }},
		{"negative run_for", func(c *Config) { c.RunFor = Duration(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	b, err := Duration(1500 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`""`)))
	assert.Equal(t, Duration(0), d)
	assert.Error(t, d.UnmarshalJSON([]byte(`5`)))
}

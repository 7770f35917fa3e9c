package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopedit/pkg/util"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Video.Bitrate != -1 {
		t.Errorf("expected unset bitrate sentinel -1, got %d", cfg.Video.Bitrate)
	}
	if !cfg.Video.FrameRate.Valid() {
		t.Errorf("expected a valid default frame rate, got %v", cfg.Video.FrameRate)
	}
	if cfg.Mixer.MeterHold <= 0 || cfg.Mixer.MeterDecayDBPerS <= 0 {
		t.Error("meter hold and decay must be configured")
	}
	if cfg.Startup.ReadinessPoll <= 0 || cfg.Startup.ReadinessPoll > time.Second {
		t.Errorf("readiness poll should be a short interval, got %v", cfg.Startup.ReadinessPoll)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Paths.PluginDir = "/opt/plugins"
	cfg.Video.Options = []KeyValue{{Key: "color_primaries", Value: "bt709"}}
	cfg.Mixer.MeterHold = 2 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/plugins", loaded.Paths.PluginDir)
	assert.Equal(t, cfg.Video.Options, loaded.Video.Options)
	assert.Equal(t, 2*time.Second, loaded.Mixer.MeterHold)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("video: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestContextHelpers(t *testing.T) {
	cfg := Default()
	cfg.Paths.ResourceDir = "/res"

	ctx := WithConfig(context.Background(), cfg)
	assert.Same(t, cfg, FromContext(ctx))
	assert.Equal(t, "./resources", FromContext(context.Background()).Paths.ResourceDir)
}

func TestStore_SyncFromSession(t *testing.T) {
	store := NewStore(Default(), "")

	store.SyncFromSession(SessionSettings{
		Width:       1280,
		Height:      720,
		FrameRate:   util.Rational{Num: 30000, Den: 1001},
		Channels:    6,
		SampleRate:  48000,
		AudioFormat: "s16",
	})

	snap := store.Snapshot()
	assert.Equal(t, 1280, snap.Video.Width)
	assert.Equal(t, 720, snap.Video.Height)
	assert.Equal(t, util.Rational{Num: 30000, Den: 1001}, snap.Video.FrameRate)
	assert.Equal(t, 6, snap.Audio.Channels)
	assert.Equal(t, 48000, snap.Audio.SampleRate)
	assert.Equal(t, "s16", snap.Audio.Format)
}

func TestStore_SyncIgnoresZeroValues(t *testing.T) {
	store := NewStore(Default(), "")
	store.SyncFromSession(SessionSettings{})

	assert.Equal(t, Default().Video, store.Snapshot().Video)
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	cfg := Default()
	cfg.Video.Options = []KeyValue{{Key: "a", Value: "1"}}
	store := NewStore(cfg, "")

	snap := store.Snapshot()
	snap.Video.Options[0].Value = "changed"

	assert.Equal(t, "1", store.Snapshot().Video.Options[0].Value)
}

func TestStore_Persist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewStore(Default(), path)
	store.Update(func(c *Config) { c.Layout.PreviewRatio = 0.6 })
	require.NoError(t, store.Persist())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, loaded.Layout.PreviewRatio, 1e-9)
}

package main

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kikiluvv/slopedit/internal/config"
	"github.com/kikiluvv/slopedit/internal/controller"
	"github.com/kikiluvv/slopedit/internal/env"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/logging"
	"github.com/kikiluvv/slopedit/internal/media"
	"github.com/kikiluvv/slopedit/internal/timeline"
)

// newExecutor returns nil when ffmpeg is not installed; the editor still
// opens, without decoding or export.
func newExecutor(cfg *config.Config) *ffmpeg.Executor {
	exec, err := ffmpeg.New(logging.WithComponent("ffmpeg"), ffmpeg.Options{
		BinaryPath: cfg.FFmpeg.BinaryPath,
		Threads:    cfg.FFmpeg.Threads,
	})
	if err != nil {
		log.Warn().Err(err).Msg("ffmpeg unavailable, preview decoding and export disabled")
		return nil
	}
	return exec
}

// newController wires one editing session. storePath is where the
// attributes are persisted on shutdown; empty skips persisting.
func newController(cfg *config.Config, storePath string, watch bool) *controller.Controller {
	exec := newExecutor(cfg)

	var prober media.Prober
	var lister env.HWAccelLister
	if exec != nil {
		prober, lister = exec, exec
	}

	catalog := media.NewCatalog(log.Logger, prober, media.OverviewOptions{
		ThumbnailWidth:    cfg.Mixer.ThumbnailWidth,
		WaveformPerSecond: cfg.Mixer.WaveformPerSecond,
	})
	session := controller.NewSession(log.Logger, timeline.Settings{
		Width:       cfg.Video.Width,
		Height:      cfg.Video.Height,
		FrameRate:   cfg.Video.FrameRate,
		ColorSpace:  cfg.Video.ColorSpace,
		Channels:    cfg.Audio.Channels,
		SampleRate:  cfg.Audio.SampleRate,
		AudioFormat: cfg.Audio.Format,
	}, catalog, exec)
	logger := logging.WithSession(log.Logger, session.ID())

	var watcher *media.Watcher
	if watch {
		w, err := media.NewWatcher(catalog, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("media watcher unavailable")
		} else {
			watcher = w
		}
	}

	return controller.New(controller.Options{
		Logger:  logger,
		Store:   config.NewStore(cfg, storePath),
		Catalog: catalog,
		Session: session,
		Scanner: env.NewScanner(logger, env.NewRegistry(), cfg.Paths.PluginDir, lister),
		Watcher: watcher,
	})
}

func componentLogger(name string) zerolog.Logger {
	return logging.WithComponent(name)
}

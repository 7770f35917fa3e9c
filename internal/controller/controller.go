// Package controller is the timeline session controller: it owns the media
// library, the session, playback, the project loader, the export job, the
// mixer and the environment scan, and drives them from the UI tick.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/config"
	"github.com/kikiluvv/slopedit/internal/encode"
	"github.com/kikiluvv/slopedit/internal/env"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/media"
	"github.com/kikiluvv/slopedit/internal/mixer"
	"github.com/kikiluvv/slopedit/internal/playback"
	"github.com/kikiluvv/slopedit/internal/project"
	"github.com/kikiluvv/slopedit/internal/task"
	"github.com/kikiluvv/slopedit/internal/timeline"
)

// Options are the injected parts. Session, Catalog and Store are required;
// Scanner and Watcher may be nil.
type Options struct {
	Logger  zerolog.Logger
	Store   *config.Store
	Catalog *media.Catalog
	Session *timeline.Session
	Scanner *env.Scanner
	Watcher *media.Watcher
}

// Controller wires every component around one session.
type Controller struct {
	logger  zerolog.Logger
	store   *config.Store
	catalog *media.Catalog
	session *timeline.Session
	scanner *env.Scanner
	watcher *media.Watcher

	clock   *playback.Clock
	preview *playback.Sync
	loader  *project.Loader
	job     *encode.Job
	mixer   *mixer.Bus

	scan  *task.Slot
	watch *task.Slot

	mu       sync.Mutex
	loadSeen *task.Task
}

// New builds a controller. Nothing runs until Start.
func New(opts Options) *Controller {
	logger := opts.Logger.With().Str("component", "controller").Logger()
	c := &Controller{
		logger:  logger,
		store:   opts.Store,
		catalog: opts.Catalog,
		session: opts.Session,
		scanner: opts.Scanner,
		watcher: opts.Watcher,
		scan:    task.NewSlot("scan", opts.Logger),
		watch:   task.NewSlot("watch", opts.Logger),
	}

	c.clock = playback.NewClock(c.session, opts.Logger)
	c.preview = playback.NewSync(c.clock, c.session, c.session.PreviewSlot(), opts.Logger)

	var gates []*env.Gate
	var hw encode.HardwareInfo
	if c.scanner != nil {
		gates = c.scanner.Gates()
		hw = c.scanner
	}
	c.loader = project.NewLoader(opts.Logger, c.catalog, c.session, c.store, project.PauserFunc(c.clock.Stop), gates...)
	c.job = encode.NewJob(c.session, hw, opts.Logger)

	cfg := c.store.Snapshot()
	c.mixer = mixer.New(c.session, opts.Logger, mixer.MeterOptions{
		Hold:          cfg.Mixer.MeterHold,
		DecayDBPerSec: cfg.Mixer.MeterDecayDBPerS,
		FloorDB:       cfg.Mixer.MeterFloorDB,
		Channels:      cfg.Audio.Channels,
	})

	if c.watcher != nil {
		c.watcher.OnChange = func([]int64, bool) { c.preview.Invalidate() }
	}
	return c
}

// Start launches the environment scan and the media watcher.
func (c *Controller) Start(ctx context.Context) {
	if c.scanner != nil {
		c.scan.Start(ctx, func(ctx context.Context, _ *task.Task) error {
			return c.scanner.Run(ctx)
		})
	}
	if c.watcher != nil {
		c.watcher.Sync()
		c.watch.Start(ctx, func(ctx context.Context, _ *task.Task) error {
			return c.watcher.Run(ctx)
		})
	}
}

// Tick is the UI-goroutine heartbeat: it notices finished loads, advances
// playback, refreshes the preview and samples the meters.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	c.handleLoad()
	c.mixer.Tick(now)
	if c.session.Loading() {
		return nil
	}
	c.clock.Tick(now)
	_, err := c.preview.Tick(ctx)
	return err
}

func (c *Controller) handleLoad() {
	t := c.loader.Current()
	if t == nil || t.Running() {
		return
	}
	c.mu.Lock()
	seen := c.loadSeen == t
	c.loadSeen = t
	c.mu.Unlock()
	if seen {
		return
	}

	c.mixer.Resync()
	c.clock.Stop()
	c.clock.ClearEditRange()
	c.preview.Invalidate()
	if c.watcher != nil {
		c.watcher.Sync()
	}
	if err := t.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("load finished with error")
		return
	}
	c.logger.Info().Str("path", c.loader.Path()).Int("missing", len(c.loader.Missing())).Msg("load finished")
}

func (c *Controller) changed() {
	c.loader.MarkChanged()
	c.preview.Invalidate()
}

// Open stops playback and loads path, saving unsaved changes first.
func (c *Controller) Open(ctx context.Context, path string) error {
	c.clock.Stop()
	if _, err := c.loader.Open(ctx, path); err != nil {
		return err
	}
	return nil
}

// Save writes the project to path, or to the current path when empty.
func (c *Controller) Save(ctx context.Context, path string) error {
	return c.loader.Save(ctx, path)
}

// Import adds a file to the media library.
func (c *Controller) Import(path string) (media.Item, error) {
	if c.session.Loading() {
		return media.Item{}, timeline.ErrLoading
	}
	it, err := c.catalog.Import(path)
	if err != nil {
		return media.Item{}, err
	}
	c.loader.MarkChanged()
	if c.watcher != nil {
		c.watcher.Sync()
	}
	return it, nil
}

// RemoveMedia deletes an item the timeline does not use.
func (c *Controller) RemoveMedia(id int64) error {
	if c.session.Loading() {
		return timeline.ErrLoading
	}
	if err := c.catalog.Remove(id, c.session); err != nil {
		return err
	}
	c.loader.MarkChanged()
	return nil
}

// Relocate points a missing item at a new file.
func (c *Controller) Relocate(id int64, path string) (media.Item, error) {
	if c.session.Loading() {
		return media.Item{}, timeline.ErrLoading
	}
	it, err := c.catalog.Relocate(id, path)
	if err != nil {
		return media.Item{}, err
	}
	c.changed()
	if c.watcher != nil {
		c.watcher.Sync()
	}
	return it, nil
}

func (c *Controller) AddTrack(kind timeline.TrackKind, name string) (int, error) {
	id, err := c.session.AddTrack(kind, name)
	if err != nil {
		return 0, err
	}
	c.mixer.Resync()
	c.changed()
	return id, nil
}

func (c *Controller) RemoveTrack(id int) error {
	if err := c.session.RemoveTrack(id); err != nil {
		return err
	}
	c.mixer.Resync()
	c.changed()
	return nil
}

// AddClip places a media range. The item must be in the library.
func (c *Controller) AddClip(trackID int, mediaID int64, start, in, out time.Duration) (timeline.Clip, error) {
	if _, ok := c.catalog.Get(mediaID); !ok {
		return timeline.Clip{}, fmt.Errorf("add clip: %w", media.ErrNotFound)
	}
	clip, err := c.session.AddClip(trackID, mediaID, start, in, out)
	if err != nil {
		return timeline.Clip{}, err
	}
	c.changed()
	return clip, nil
}

func (c *Controller) RemoveClip(id int64) error {
	if err := c.session.RemoveClip(id); err != nil {
		return err
	}
	c.changed()
	return nil
}

func (c *Controller) MoveClip(id int64, start time.Duration) error {
	if err := c.session.MoveClip(id, start); err != nil {
		return err
	}
	c.changed()
	return nil
}

func (c *Controller) TrimClip(id int64, in, out time.Duration) (timeline.Clip, error) {
	clip, err := c.session.TrimClip(id, in, out)
	if err != nil {
		return timeline.Clip{}, err
	}
	c.changed()
	return clip, nil
}

func (c *Controller) SplitClip(id int64, at time.Duration) (timeline.Clip, timeline.Clip, error) {
	left, right, err := c.session.SplitClip(id, at)
	if err != nil {
		return left, right, err
	}
	c.changed()
	return left, right, nil
}

func (c *Controller) SetMarks(in, out time.Duration) error {
	if c.session.Loading() {
		return timeline.ErrLoading
	}
	if err := c.session.SetMarks(in, out); err != nil {
		return err
	}
	c.loader.MarkChanged()
	return nil
}

func (c *Controller) ClearMarks() {
	if c.session.Loading() {
		return
	}
	c.session.ClearMarks()
	c.loader.MarkChanged()
}

// SetMuted mutes a track; the mixer and preview pick it up on the next tick.
func (c *Controller) SetMuted(id int, muted bool) error {
	if err := c.session.SetMuted(id, muted); err != nil {
		return err
	}
	c.changed()
	return nil
}

func (c *Controller) Play(forward bool) bool { return c.clock.Play(forward) }

func (c *Controller) Stop() { c.clock.Stop() }

func (c *Controller) Step(forward bool) bool { return c.clock.Step(forward) }

func (c *Controller) Seek(t time.Duration, scrubbing bool) time.Duration {
	return c.clock.Seek(t, scrubbing)
}

func (c *Controller) SetLoop(on bool) { c.clock.SetLoop(on) }

// EditClip narrows playback to one clip.
func (c *Controller) EditClip(id int64) error {
	clip, ok := c.session.Clip(id)
	if !ok {
		return timeline.ErrClipNotFound
	}
	return c.clock.EditClip(clip)
}

// EditOverlap narrows playback to the transition between two clips.
func (c *Controller) EditOverlap(left, right int64) error {
	for _, o := range c.session.Overlaps() {
		if o.Left == left && o.Right == right {
			return c.clock.EditOverlap(o)
		}
	}
	return fmt.Errorf("no overlap between clips %d and %d: %w", left, right, timeline.ErrClipNotFound)
}

func (c *Controller) ClearEdit() { c.clock.ClearEditRange() }

// OpenExport starts a new export configuration.
func (c *Controller) OpenExport() error { return c.job.Open() }

// Encoders lists encoders matching hint.
func (c *Controller) Encoders(ctx context.Context, hint string) ([]ffmpeg.Encoder, error) {
	return c.job.Encoders(ctx, hint)
}

func (c *Controller) ConfigureExport(ctx context.Context, output string, video ffmpeg.VideoParams, audio ffmpeg.AudioParams) error {
	return c.job.ConfigureEncoder(ctx, output, video, audio)
}

// StartExport stops playback and starts the configured export.
func (c *Controller) StartExport(ctx context.Context) error {
	if c.session.Loading() {
		return timeline.ErrLoading
	}
	c.clock.Stop()
	return c.job.StartEncoding(ctx)
}

func (c *Controller) StopExport() { c.job.StopEncoding() }

func (c *Controller) ExportStatus() encode.Status { return c.job.Status() }

// WaitExport joins the running export, if any.
func (c *Controller) WaitExport() error { return c.job.Wait() }

func (c *Controller) Catalog() *media.Catalog    { return c.catalog }
func (c *Controller) Session() *timeline.Session { return c.session }
func (c *Controller) Clock() *playback.Clock     { return c.clock }
func (c *Controller) Preview() *playback.Sync    { return c.preview }
func (c *Controller) Loader() *project.Loader    { return c.loader }
func (c *Controller) Mixer() *mixer.Bus          { return c.mixer }
func (c *Controller) Export() *encode.Job        { return c.job }
func (c *Controller) Store() *config.Store       { return c.store }
func (c *Controller) Scanner() *env.Scanner      { return c.scanner }

// Shutdown is the final join point: it stops a running export, cancels a
// load still waiting for readiness and joins it, ends the scan and the
// watcher, and persists the attributes.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		c.job.Close()
		var errs []error
		c.loader.Cancel()
		if err := c.loader.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("loader: %w", err))
		}
		for _, slot := range []*task.Slot{c.scan, c.watch} {
			if t := slot.Current(); t != nil {
				t.Cancel()
				if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Debug().Err(err).Str("task", t.Kind()).Msg("background task ended with error")
				}
			}
		}
		if c.watcher != nil {
			if err := c.watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close watcher: %w", err))
			}
		}
		if err := c.store.Persist(); err != nil {
			errs = append(errs, fmt.Errorf("persist settings: %w", err))
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		c.logger.Info().Msg("controller shut down")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

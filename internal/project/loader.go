package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/config"
	"github.com/kikiluvv/slopedit/internal/env"
	"github.com/kikiluvv/slopedit/internal/media"
	"github.com/kikiluvv/slopedit/internal/metrics"
	"github.com/kikiluvv/slopedit/internal/task"
	"github.com/kikiluvv/slopedit/internal/timeline"
	"github.com/kikiluvv/slopedit/pkg/util"
)

// bankShare is the part of the progress bar the media library takes.
const bankShare = 0.8

var ErrNoPath = errors.New("project has no path")

// Session is the part of the timeline the loader touches.
// *timeline.Session satisfies it.
type Session interface {
	SetLoading(on bool)
	Loading() bool
	DecodeTimeline(data []byte) (*timeline.Loaded, error)
	ApplyTimeline(l *timeline.Loaded)
	SaveTimeline() ([]byte, error)
	Settings() timeline.Settings
}

// Pauser halts playback (and any in-flight decode) before a save.
type Pauser interface {
	Pause()
}

// PauserFunc adapts a function to Pauser.
type PauserFunc func()

func (f PauserFunc) Pause() { f() }

// Status is a copy of the loader's status fields.
type Status struct {
	Path     string
	Loading  bool
	Progress float64
	Dirty    bool
	Err      error
	Missing  []*MediaMissingError
}

// Loader owns the project file: at most one load task at a time, saves and
// the needs-save flag.
type Loader struct {
	catalog *media.Catalog
	session Session
	store   *config.Store
	gates   []*env.Gate
	pauser  Pauser
	logger  zerolog.Logger
	slot    *task.Slot

	mu      sync.Mutex
	path    string
	dirty   bool
	err     error
	missing []*MediaMissingError
}

// NewLoader wires a loader. Loads wait until every gate is open.
func NewLoader(logger zerolog.Logger, catalog *media.Catalog, session Session, store *config.Store, pauser Pauser, gates ...*env.Gate) *Loader {
	logger = logger.With().Str("component", "project").Logger()
	return &Loader{
		catalog: catalog,
		session: session,
		store:   store,
		gates:   gates,
		pauser:  pauser,
		logger:  logger,
		slot:    task.NewSlot("load", logger),
	}
}

// Load starts loading path in the background, after joining any load still
// in flight. The session rejects interactive edits until the task ends.
// Only Cancel stops a load, and only while it waits for the environment;
// cancelling ctx does not.
func (l *Loader) Load(ctx context.Context, path string) *task.Task {
	_ = l.slot.Wait()
	l.session.SetLoading(true)
	return l.slot.Start(context.WithoutCancel(ctx), func(ctx context.Context, t *task.Task) error {
		defer l.session.SetLoading(false)
		return l.run(ctx, t, path)
	})
}

// Open saves the current project if it has unsaved changes, then loads path.
func (l *Loader) Open(ctx context.Context, path string) (*task.Task, error) {
	if l.Dirty() && l.Path() != "" {
		if err := l.Save(ctx, ""); err != nil {
			return nil, fmt.Errorf("save before open: %w", err)
		}
	}
	return l.Load(ctx, path), nil
}

// Cancel aborts a load still waiting for readiness. A load that has started
// rebuilding the session runs to completion.
func (l *Loader) Cancel() {
	if t := l.slot.Current(); t != nil {
		t.Cancel()
	}
}

// Wait joins the current load, if any.
func (l *Loader) Wait() error { return l.slot.Wait() }

// Current is the most recent load task, nil before the first load.
func (l *Loader) Current() *task.Task { return l.slot.Current() }

func (l *Loader) run(ctx context.Context, t *task.Task, path string) error {
	start := time.Now()
	log := l.logger.With().Str("path", path).Logger()

	l.mu.Lock()
	l.err, l.missing = nil, nil
	l.mu.Unlock()

	cfg := l.store.Snapshot()
	if err := env.WaitAll(ctx, cfg.Startup.ReadinessPoll, cfg.Startup.ReadinessTimeout, l.gates...); err != nil {
		if !errors.Is(err, env.ErrNotReady) {
			return l.fail(t, err, "canceled", start)
		}
		log.Warn().Err(err).Msg("environment not ready, loading anyway")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return l.fail(t, &ParseError{Path: path, Err: err}, "parse_error", start)
	}
	doc, err := Decode(data, path)
	if err != nil {
		return l.fail(t, err, "parse_error", start)
	}
	// the timeline is validated before anything is replaced, so a rejected
	// document leaves both the library and the session as they were
	tl, err := l.session.DecodeTimeline(doc.TimeLine)
	if err != nil {
		return l.fail(t, &ParseError{Path: path, Err: fmt.Errorf("timeline: %w", err)}, "parse_error", start)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	baseDir := filepath.Dir(abs)

	l.catalog.Reset()
	n := len(doc.MediaBank)
	for i, snap := range doc.MediaBank {
		if _, err := l.catalog.Restore(snap, baseDir); err != nil {
			var missing *MediaMissingError
			if errors.As(err, &missing) {
				l.recordMissing(missing)
				log.Warn().Int64("media_id", missing.ID).Str("media_path", missing.Path).Str("reason", missing.Reason).Msg("media missing")
			} else {
				log.Warn().Err(err).Int64("media_id", snap.ID).Msg("media restore failed")
			}
		}
		t.SetProgress(bankShare * float64(i+1) / float64(n+1))
	}
	t.SetProgress(bankShare)

	l.session.ApplyTimeline(tl)
	for _, id := range tl.MediaIDs() {
		if _, ok := l.catalog.Get(id); !ok {
			l.recordMissing(&MediaMissingError{ID: id, Reason: "referenced by the timeline but not in the media bank"})
			log.Warn().Int64("media_id", id).Msg("clip references unknown media")
		}
	}
	t.SetProgress(1)

	st := l.session.Settings()
	l.store.SyncFromSession(config.SessionSettings{
		Width:       st.Width,
		Height:      st.Height,
		FrameRate:   st.FrameRate,
		Channels:    st.Channels,
		SampleRate:  st.SampleRate,
		AudioFormat: st.AudioFormat,
	})

	l.mu.Lock()
	l.path = path
	l.dirty = false
	missing := len(l.missing)
	l.mu.Unlock()

	metrics.RecordLoad("ok", time.Since(start))
	log.Info().
		Int("media", l.catalog.Len()).
		Int("missing", missing).
		Dur("elapsed", time.Since(start)).
		Msg("project loaded")
	return nil
}

func (l *Loader) fail(t *task.Task, err error, result string, start time.Time) error {
	t.SetProgress(1)
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	metrics.RecordLoad(result, time.Since(start))
	l.logger.Error().Err(err).Msg("project load failed")
	return err
}

func (l *Loader) recordMissing(e *MediaMissingError) {
	metrics.MediaMissingTotal.Inc()
	l.mu.Lock()
	l.missing = append(l.missing, e)
	l.mu.Unlock()
}

// Save writes the project to path, or to the current path when empty.
// Playback is paused first. The needs-save flag clears only on success.
func (l *Loader) Save(ctx context.Context, path string) (err error) {
	defer func() { metrics.RecordSave(err) }()

	if l.session.Loading() {
		return timeline.ErrLoading
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		path = l.Path()
	}
	if path == "" {
		return ErrNoPath
	}
	path = WithExtension(path)

	if l.pauser != nil {
		l.pauser.Pause()
	}

	tl, err := l.session.SaveTimeline()
	if err != nil {
		return fmt.Errorf("save timeline: %w", err)
	}
	data, err := Encode(&Document{MediaBank: l.catalog.Snapshots(), TimeLine: tl})
	if err != nil {
		return err
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save project %s: %w", path, err)
	}

	l.mu.Lock()
	l.path = path
	l.dirty = false
	l.mu.Unlock()

	l.logger.Info().Str("path", path).Int("bytes", len(data)).Msg("project saved")
	return nil
}

// MarkChanged sets the needs-save flag.
func (l *Loader) MarkChanged() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

func (l *Loader) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

func (l *Loader) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Loading reports whether a load task is running.
func (l *Loader) Loading() bool { return l.slot.Running() }

// Progress of the current or last load, 0 before any load.
func (l *Loader) Progress() float64 {
	if t := l.slot.Current(); t != nil {
		return t.Progress()
	}
	return 0
}

// Err is the terminal error of the last load.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Missing lists the media entries the last load could not resolve.
func (l *Loader) Missing() []*MediaMissingError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*MediaMissingError(nil), l.missing...)
}

func (l *Loader) Status() Status {
	st := Status{Loading: l.Loading(), Progress: l.Progress()}
	l.mu.Lock()
	defer l.mu.Unlock()
	st.Path = l.path
	st.Dirty = l.dirty
	st.Err = l.err
	st.Missing = append([]*MediaMissingError(nil), l.missing...)
	return st
}

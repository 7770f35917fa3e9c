package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/frame"
	"github.com/kikiluvv/slopedit/internal/metrics"
)

// Composer renders the session picture at a time. *timeline.Session
// satisfies it.
type Composer interface {
	Frame(ctx context.Context, t time.Duration) (frame.Frame, error)
}

// FrameClock supplies the snapped cursor. *Clock satisfies it.
type FrameClock interface {
	FrameTime() time.Duration
}

// retryInterval spaces out re-renders of a frame whose compose failed while
// the cursor stays on it.
const retryInterval = 250 * time.Millisecond

// ScopeSettings select what the analysis scope shows. Changing them forces a
// redraw even when the cursor did not move.
type ScopeSettings struct {
	Enabled bool
	Mode    string
}

// Sync refreshes the preview surfaces once per UI tick. A frame is composed
// only when the cursor frame, the scope settings or an explicit Invalidate
// asked for it, then fanned out to the primary surface, every attached
// monitor and the scope.
type Sync struct {
	clock    FrameClock
	composer Composer
	primary  *frame.Slot
	scope    *frame.Slot
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	monitors  map[string]*frame.Slot
	settings  ScopeSettings
	dirty     bool
	hasLast   bool
	lastPTS   time.Duration
	retryAt   time.Time
	renders   uint64
	skips     uint64
	lastError error
}

// NewSync wires a composer to the primary surface slot.
func NewSync(clock FrameClock, composer Composer, primary *frame.Slot, logger zerolog.Logger) *Sync {
	return &Sync{
		clock:    clock,
		composer: composer,
		primary:  primary,
		scope:    frame.NewSlot(),
		logger:   logger.With().Str("component", "preview").Logger(),
		monitors: make(map[string]*frame.Slot),
		now:      time.Now,
	}
}

// AttachMonitor returns the slot of a secondary surface, creating it on
// first use. A new monitor gets the next frame even if the cursor is still.
func (s *Sync) AttachMonitor(name string) *frame.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[name]; ok {
		return m
	}
	m := frame.NewSlot()
	s.monitors[name] = m
	s.dirty = true
	return m
}

func (s *Sync) DetachMonitor(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, name)
}

// Scope is the analysis surface slot.
func (s *Sync) Scope() *frame.Slot { return s.scope }

// ScopeNeedsUpdate consumes the scope's needs-update flag.
func (s *Sync) ScopeNeedsUpdate() bool { return s.scope.NeedsUpdate() }

func (s *Sync) SetScopeSettings(st ScopeSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st != s.settings {
		s.settings = st
		s.dirty = true
	}
}

func (s *Sync) ScopeSettings() ScopeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Invalidate forces the next Tick to render, e.g. after an edit under a
// still cursor.
func (s *Sync) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.retryAt = time.Time{}
	s.mu.Unlock()
}

// Tick renders and publishes a frame if anything changed since the last
// render. A failed frame stays pending and is retried at most every
// retryInterval. It reports whether a frame was published.
func (s *Sync) Tick(ctx context.Context) (bool, error) {
	pts := s.clock.FrameTime()
	now := s.now()

	s.mu.Lock()
	if s.hasLast && pts == s.lastPTS && (!s.dirty || now.Before(s.retryAt)) {
		s.skips++
		s.mu.Unlock()
		metrics.PreviewSkipsTotal.Inc()
		return false, nil
	}
	s.hasLast, s.lastPTS, s.dirty = true, pts, false
	monitors := make([]*frame.Slot, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	scopeOn := s.settings.Enabled
	s.mu.Unlock()

	f, err := s.composer.Frame(ctx, pts)
	if err != nil {
		s.mu.Lock()
		s.lastError = err
		s.dirty = true
		s.retryAt = now.Add(retryInterval)
		s.mu.Unlock()
		s.logger.Warn().Err(err).Dur("pts", pts).Msg("preview frame failed")
		return false, err
	}

	s.primary.Publish(f)
	for _, m := range monitors {
		m.Publish(f)
	}
	if scopeOn {
		s.scope.Publish(f)
	}

	s.mu.Lock()
	s.renders++
	s.lastError = nil
	s.retryAt = time.Time{}
	s.mu.Unlock()
	metrics.PreviewRendersTotal.Inc()
	return true, nil
}

// Stats returns the render and skip counts.
func (s *Sync) Stats() (renders, skips uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders, s.skips
}

// Err is the error of the last failed render, cleared by the next success.
func (s *Sync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

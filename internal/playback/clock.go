// Package playback owns the session cursor while previewing: the play
// state machine, range enforcement and the per-tick preview refresh.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/metrics"
	"github.com/kikiluvv/slopedit/internal/timeline"
	"github.com/kikiluvv/slopedit/pkg/util"
)

// State is the transport state.
type State int

const (
	Stopped State = iota
	PlayingForward
	PlayingBackward
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case PlayingForward:
		return "playing_forward"
	case PlayingBackward:
		return "playing_backward"
	}
	return "unknown"
}

// Range is a closed time interval.
type Range struct {
	Start time.Duration
	End   time.Duration
}

// Contains reports whether t lies in [Start, End].
func (r Range) Contains(t time.Duration) bool { return t >= r.Start && t <= r.End }

func (r Range) clamp(t time.Duration) time.Duration {
	if t < r.Start {
		return r.Start
	}
	if t > r.End {
		return r.End
	}
	return t
}

// Session is what the clock drives. *timeline.Session satisfies it.
type Session interface {
	Seek(t time.Duration) time.Duration
	CurrentTime() time.Duration
	Duration() time.Duration
	FrameDuration() time.Duration
	Marks() (in, out time.Duration, ok bool)
}

// Clock is the authoritative play/pause/direction/loop state. It is driven
// from the UI goroutine through Tick.
type Clock struct {
	session Session
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	loop      bool
	useMarks  bool
	edit      *Range
	cursor    time.Duration
	forwarded time.Duration
	lastFrame int64
	lastTick  time.Time
}

// NewClock creates a stopped clock at the session cursor.
func NewClock(session Session, logger zerolog.Logger) *Clock {
	c := &Clock{
		session:   session,
		logger:    logger.With().Str("component", "playback").Logger(),
		lastFrame: -1,
	}
	c.cursor = session.CurrentTime()
	c.forwarded = c.cursor
	return c
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Playing reports whether the transport is running in either direction.
func (c *Clock) Playing() bool { return c.State() != Stopped }

func (c *Clock) SetLoop(on bool) {
	c.mu.Lock()
	c.loop = on
	c.mu.Unlock()
}

func (c *Clock) Loop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// SetUseMarks scopes free-running preview to mark-in/mark-out.
func (c *Clock) SetUseMarks(on bool) {
	c.mu.Lock()
	c.useMarks = on
	c.mu.Unlock()
}

// ActiveRange is the edit range when one is set, else the marked range
// when marks are in use, else the whole session.
func (c *Clock) ActiveRange() Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRangeLocked()
}

func (c *Clock) activeRangeLocked() Range {
	if c.edit != nil {
		return *c.edit
	}
	full := Range{Start: 0, End: c.session.Duration()}
	if c.useMarks {
		if in, out, ok := c.session.Marks(); ok {
			r := Range{Start: full.clamp(in), End: full.clamp(out)}
			if r.End > r.Start {
				return r
			}
		}
	}
	return full
}

// EditClip narrows playback to one clip.
func (c *Clock) EditClip(clip timeline.Clip) error {
	return c.setEditRange(Range{Start: clip.Start, End: clip.End()})
}

// EditOverlap narrows playback to one transition.
func (c *Clock) EditOverlap(o timeline.Overlap) error {
	return c.setEditRange(Range{Start: o.Start, End: o.End})
}

// ClearEditRange returns to the session range.
func (c *Clock) ClearEditRange() {
	c.mu.Lock()
	c.edit = nil
	c.mu.Unlock()
}

func (c *Clock) setEditRange(r Range) error {
	if r.Start < 0 || r.End <= r.Start {
		return fmt.Errorf("invalid edit range %s..%s", r.Start, r.End)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edit = &r
	c.syncLocked()
	if !r.Contains(c.cursor) {
		c.cursor = r.clamp(c.cursor)
		c.forwardLocked(true)
	}
	return nil
}

// Play starts playback in the given direction. It fails when the cursor is
// already at the boundary it would run into, unless looping wraps it.
func (c *Clock) Play(forward bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncLocked()
	r := c.activeRangeLocked()
	if r.End <= r.Start {
		return false
	}
	if !r.Contains(c.cursor) {
		c.cursor = r.clamp(c.cursor)
		metrics.PlaybackClampsTotal.Inc()
	}

	switch {
	case forward && c.cursor >= r.End:
		if !c.loop {
			return false
		}
		c.cursor = r.Start
	case !forward && c.cursor <= r.Start:
		if !c.loop {
			return false
		}
		c.cursor = r.End
	}

	c.state = PlayingBackward
	if forward {
		c.state = PlayingForward
	}
	c.lastTick = time.Time{}
	c.forwardLocked(true)
	c.logger.Debug().Str("state", c.state.String()).Dur("cursor", c.cursor).Msg("play")
	return true
}

// Stop halts playback; the cursor stays where it is.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Stopped
	c.lastTick = time.Time{}
}

// Step moves exactly one frame. It only works while stopped and never leaves
// the active range.
func (c *Clock) Step(forward bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Stopped {
		return false
	}
	fd := c.session.FrameDuration()
	if fd <= 0 {
		return false
	}
	c.syncLocked()
	r := c.activeRangeLocked()

	next := util.SnapToFrame(c.cursor, fd)
	if forward {
		next += fd
	} else if next == c.cursor {
		next -= fd
	}
	if !r.Contains(next) {
		return false
	}
	c.cursor = next
	c.forwardLocked(true)
	return true
}

// Seek puts the cursor at t, clamped to the active range. Scrubbing stops
// playback and does nothing when the cursor is already there, so it can be
// called on every drag event.
func (c *Clock) Seek(t time.Duration, scrubbing bool) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.activeRangeLocked()
	t = r.clamp(t)
	if scrubbing {
		c.state = Stopped
		c.lastTick = time.Time{}
		c.syncLocked()
		if t == c.cursor {
			return t
		}
	}
	c.cursor = t
	c.forwardLocked(true)
	return t
}

// Tick advances a playing clock by the wall time since the previous tick
// and enforces the active range. It returns the cursor.
func (c *Clock) Tick(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncLocked()
	if c.state != Stopped {
		if !c.lastTick.IsZero() && now.After(c.lastTick) {
			dt := now.Sub(c.lastTick)
			if c.state == PlayingForward {
				c.cursor += dt
			} else {
				c.cursor -= dt
			}
		}
		c.lastTick = now
	}

	r := c.activeRangeLocked()
	switch {
	case c.state == PlayingForward && c.cursor >= r.End:
		c.boundaryLocked(r, r.End, r.Start)
	case c.state == PlayingBackward && c.cursor <= r.Start:
		c.boundaryLocked(r, r.Start, r.End)
	case !r.Contains(c.cursor):
		c.cursor = r.clamp(c.cursor)
		metrics.PlaybackClampsTotal.Inc()
	}

	c.forwardLocked(false)
	return c.cursor
}

// boundaryLocked handles a playing cursor reaching edge: wrap to opposite
// when looping, otherwise stop on edge.
func (c *Clock) boundaryLocked(r Range, edge, opposite time.Duration) {
	if !r.Contains(c.cursor) {
		metrics.PlaybackClampsTotal.Inc()
	}
	if c.loop && r.End > r.Start {
		c.cursor = opposite
		return
	}
	c.cursor = edge
	c.state = Stopped
	c.lastTick = time.Time{}
	c.logger.Debug().Dur("cursor", c.cursor).Msg("playback reached range boundary")
}

// syncLocked adopts a cursor moved on the session by someone else.
func (c *Clock) syncLocked() {
	if cur := c.session.CurrentTime(); cur != c.forwarded {
		c.cursor = cur
		c.forwarded = cur
	}
}

// forwardLocked pushes the cursor to the session when the frame index
// changed, or always when force is set.
func (c *Clock) forwardLocked(force bool) {
	idx := int64(-1)
	if fd := c.session.FrameDuration(); fd > 0 {
		idx = int64(c.cursor / fd)
	}
	if !force && idx == c.lastFrame && idx >= 0 {
		return
	}
	c.lastFrame = idx
	c.forwarded = c.session.Seek(c.cursor)
}

// Cursor is the unsnapped cursor.
func (c *Clock) Cursor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// FrameTime is the cursor snapped to the frame grid.
func (c *Clock) FrameTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return util.SnapToFrame(c.cursor, c.session.FrameDuration())
}

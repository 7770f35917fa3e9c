// Package frame holds decoded picture hand-offs between a producer goroutine
// (decoder, encoder) and the UI goroutine.
package frame

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one decoded picture and its presentation timestamp.
type Frame struct {
	PTS   time.Duration
	Image image.Image
}

// Slot is a depth-1 latest-value channel. Publish never blocks and replaces
// an unread frame; Latest never blocks and keeps returning the last frame it
// saw until a newer one arrives. Reading a stale frame is allowed.
type Slot struct {
	ch    chan Frame
	dirty atomic.Bool

	// reader side only; the producer never takes mu
	mu   sync.Mutex
	last Frame
	has  bool
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{ch: make(chan Frame, 1)}
}

// Publish offers f, dropping any frame the reader has not taken yet.
// Single producer.
func (s *Slot) Publish(f Frame) {
	for {
		select {
		case s.ch <- f:
			s.dirty.Store(true)
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Latest returns the newest frame and whether it is fresh since the last
// call. ok is false only when nothing was ever published (or after Clear).
func (s *Slot) Latest() (f Frame, fresh bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case f = <-s.ch:
		s.last, s.has = f, true
		return f, true, true
	default:
		return s.last, false, s.has
	}
}

// Pending reports whether a frame is waiting to be read.
func (s *Slot) Pending() bool { return len(s.ch) > 0 }

// NeedsUpdate consumes the shared "needs update" flag set by Publish and
// MarkDirty. Consumers of an analysis surface use it to skip idle work.
func (s *Slot) NeedsUpdate() bool { return s.dirty.Swap(false) }

// MarkDirty forces the next NeedsUpdate to report true.
func (s *Slot) MarkDirty() { s.dirty.Store(true) }

// Clear drops any pending and remembered frame.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
	}
	s.last, s.has = Frame{}, false
	s.dirty.Store(false)
}

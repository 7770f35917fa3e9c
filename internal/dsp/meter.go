package dsp

import (
	"math"
	"time"
)

// Meter is a peak meter with a held peak marker. Levels are in dBFS.
type Meter struct {
	Hold          time.Duration
	DecayDBPerSec float64
	FloorDB       float64

	level  float64
	peak   float64
	peakAt time.Time
	last   time.Time
}

// NewMeter creates a meter resting at floorDB.
func NewMeter(hold time.Duration, decayDBPerSec, floorDB float64) *Meter {
	m := &Meter{Hold: hold, DecayDBPerSec: decayDBPerSec, FloorDB: floorDB}
	m.Reset()
	return m
}

// Update feeds one linear peak sample taken at now.
func (m *Meter) Update(now time.Time, linear float64) {
	in := GainToDB(linear)
	if math.IsInf(in, -1) || in < m.FloorDB {
		in = m.FloorDB
	}

	if !m.last.IsZero() && now.After(m.last) {
		drop := m.DecayDBPerSec * now.Sub(m.last).Seconds()
		m.level = math.Max(m.level-drop, m.FloorDB)
		if now.Sub(m.peakAt) > m.Hold {
			m.peak = math.Max(m.peak-drop, m.level)
		}
	}
	m.last = now

	if in > m.level {
		m.level = in
	}
	if in >= m.peak {
		m.peak = in
		m.peakAt = now
	}
}

// Decay advances time without a new sample (a missed read).
func (m *Meter) Decay(now time.Time) {
	m.Update(now, 0)
}

// Level is the current falling bar level.
func (m *Meter) Level() float64 { return m.level }

// Peak is the held peak marker.
func (m *Meter) Peak() float64 { return m.peak }

// Reset drops both level and peak to the floor.
func (m *Meter) Reset() {
	m.level = m.FloorDB
	m.peak = m.FloorDB
	m.peakAt = time.Time{}
	m.last = time.Time{}
}

package task

import (
	"math"
	"sync/atomic"
)

// Progress is a fraction in [0,1] that only moves forward. It is safe for
// one writer and any number of lock-free readers.
type Progress struct {
	bits atomic.Uint64
}

// Set raises the fraction to f, clamped to [0,1]. Lower values are ignored.
func (p *Progress) Set(f float64) {
	if math.IsNaN(f) {
		return
	}
	f = clamp01(f)
	for {
		old := p.bits.Load()
		if math.Float64frombits(old) >= f {
			return
		}
		if p.bits.CompareAndSwap(old, math.Float64bits(f)) {
			return
		}
	}
}

// Value returns the current fraction.
func (p *Progress) Value() float64 {
	return math.Float64frombits(p.bits.Load())
}

// Reset moves the fraction back to zero for a new run.
func (p *Progress) Reset() {
	p.bits.Store(0)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

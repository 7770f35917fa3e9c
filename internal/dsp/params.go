// Package dsp is the live audio filter chain: gain, pan, a 10-band
// equalizer and gate/compressor/limiter dynamics, plus peak metering.
package dsp

import (
	"fmt"
	"math"
)

// Bands is the number of equalizer bands.
const Bands = 10

// BandFrequencies are the octave-spaced centre frequencies in Hz.
var BandFrequencies = [Bands]float64{31.5, 63, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// BandQ is the quality factor shared by all bands.
const BandQ = 1.41

// Pan is a stereo pan vector. X is left/right balance in [-1, 1]; Y is
// front/back and is carried for surround layouts only.
type Pan struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dynamics is the parameter structure shared by the gate, the compressor
// and the limiter. Threshold and Knee are in dB, Attack and Release in
// seconds, Range and Makeup are linear gains.
type Dynamics struct {
	Threshold float64 `json:"threshold"`
	Range     float64 `json:"range"`
	Ratio     float64 `json:"ratio"`
	Attack    float64 `json:"attack"`
	Release   float64 `json:"release"`
	Knee      float64 `json:"knee"`
	Makeup    float64 `json:"makeup"`
}

// Params is one complete, immutable parameter set.
type Params struct {
	Volume     float64        `json:"volume"`
	Pan        Pan            `json:"pan"`
	EQ         [Bands]float64 `json:"eq"`
	Gate       Dynamics       `json:"gate"`
	Compressor Dynamics       `json:"compressor"`
	Limiter    Dynamics       `json:"limiter"`
}

// BypassGate never attenuates: a closed gate multiplies by Range 1.
func BypassGate() Dynamics {
	return Dynamics{Threshold: 0, Range: 1, Ratio: 1, Attack: 0.005, Release: 0.1, Knee: 0, Makeup: 1}
}

// BypassCompressor has ratio 1 and unity makeup.
func BypassCompressor() Dynamics {
	return Dynamics{Threshold: 0, Range: 1, Ratio: 1, Attack: 0.01, Release: 0.1, Knee: 0, Makeup: 1}
}

// BypassLimiter has a 0 dBFS ceiling and unity makeup.
func BypassLimiter() Dynamics {
	return Dynamics{Threshold: 0, Range: 1, Ratio: 1, Attack: 0, Release: 0.05, Knee: 0, Makeup: 1}
}

// DefaultParams is the identity chain.
func DefaultParams() Params {
	return Params{
		Volume:     1,
		Gate:       BypassGate(),
		Compressor: BypassCompressor(),
		Limiter:    BypassLimiter(),
	}
}

// IsGateBypass reports whether d, used as a gate, is an identity.
func (d Dynamics) IsGateBypass() bool { return d.Range == 1 && d.Makeup == 1 }

// IsCompressorBypass reports whether d, used as a compressor, is an identity.
func (d Dynamics) IsCompressorBypass() bool { return d.Ratio == 1 && d.Makeup == 1 }

// IsLimiterBypass reports whether d, used as a limiter, is an identity for
// normalized audio.
func (d Dynamics) IsLimiterBypass() bool { return d.Threshold >= 0 && d.Makeup == 1 }

// Validate rejects values the renderer cannot use.
func (p Params) Validate() error {
	if p.Volume < 0 || math.IsNaN(p.Volume) || math.IsInf(p.Volume, 0) {
		return fmt.Errorf("invalid volume %v", p.Volume)
	}
	if p.Pan.X < -1 || p.Pan.X > 1 || p.Pan.Y < -1 || p.Pan.Y > 1 {
		return fmt.Errorf("pan %+v out of range", p.Pan)
	}
	for i, g := range p.EQ {
		if math.IsNaN(g) || g < -24 || g > 24 {
			return fmt.Errorf("band %d gain %v out of range", i, g)
		}
	}
	if err := p.Gate.validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if err := p.Compressor.validate(); err != nil {
		return fmt.Errorf("compressor: %w", err)
	}
	if err := p.Limiter.validate(); err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	return nil
}

func (d Dynamics) validate() error {
	switch {
	case d.Ratio < 1:
		return fmt.Errorf("ratio %v below 1", d.Ratio)
	case d.Range < 0 || d.Range > 1:
		return fmt.Errorf("range %v outside [0,1]", d.Range)
	case d.Attack < 0 || d.Release < 0:
		return fmt.Errorf("negative attack or release")
	case d.Knee < 0:
		return fmt.Errorf("negative knee")
	case d.Makeup <= 0:
		return fmt.Errorf("makeup %v must be positive", d.Makeup)
	}
	return nil
}

// DBToGain converts decibels to a linear factor.
func DBToGain(db float64) float64 {
	if db == 0 {
		return 1
	}
	return math.Pow(10, db/20)
}

// GainToDB converts a linear factor to decibels; zero maps to -Inf.
func GainToDB(g float64) float64 {
	if g <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(g)
}

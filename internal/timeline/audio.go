package timeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/kikiluvv/slopedit/internal/dsp"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
)

// TrackChain returns the live filter chain of a track.
func (s *Session) TrackChain(id int) (*dsp.Chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.trackLocked(id)
	if t == nil {
		return nil, false
	}
	return t.chain, true
}

// MasterChain returns the master bus chain. Loading a timeline replaces it.
func (s *Session) MasterChain() *dsp.Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master
}

// AudioFilter renders a track's parameters as an ffmpeg audio filter chain.
func (s *Session) AudioFilter(trackID int) (string, error) {
	c, ok := s.TrackChain(trackID)
	if !ok {
		return "", ErrTrackNotFound
	}
	return audioFilter(c.Params()), nil
}

// MasterFilter renders the master bus as an ffmpeg audio filter chain.
func (s *Session) MasterFilter() string {
	return audioFilter(s.MasterChain().Params())
}

func audioFilter(p dsp.Params) string {
	fb := ffmpeg.NewFilterBuilder().
		AudioVolume(p.Volume).
		Balance(p.Pan.X)
	for i, g := range p.EQ {
		fb.Equalizer(dsp.BandFrequencies[i], dsp.BandQ, g)
	}

	if !p.Gate.IsGateBypass() {
		fb.Custom(fmt.Sprintf("agate=threshold=%g:range=%g:attack=%g:release=%g:makeup=%g",
			dsp.DBToGain(p.Gate.Threshold),
			p.Gate.Range,
			clamp(p.Gate.Attack*1000, 0.01, 9000),
			clamp(p.Gate.Release*1000, 0.01, 9000),
			clamp(p.Gate.Makeup, 1, 64)))
	}
	if !p.Compressor.IsCompressorBypass() {
		fb.Custom(fmt.Sprintf("acompressor=threshold=%g:ratio=%g:attack=%g:release=%g:knee=%g:makeup=%g",
			clamp(dsp.DBToGain(p.Compressor.Threshold), 0.000976563, 1),
			clamp(p.Compressor.Ratio, 1, 20),
			clamp(p.Compressor.Attack*1000, 0.01, 2000),
			clamp(p.Compressor.Release*1000, 0.01, 9000),
			clamp(dsp.DBToGain(p.Compressor.Knee), 1, 8),
			clamp(p.Compressor.Makeup, 1, 64)))
	}
	if !p.Limiter.IsLimiterBypass() {
		fb.Custom(fmt.Sprintf("alimiter=limit=%g:attack=%g:release=%g:level_out=%g:level=disabled",
			clamp(dsp.DBToGain(p.Limiter.Threshold), 0.0625, 1),
			clamp(p.Limiter.Attack*1000, 0.1, 80),
			clamp(p.Limiter.Release*1000, 1, 8000),
			clamp(p.Limiter.Makeup, 0.015625, 64)))
	}
	return fb.Build()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func joinFilters(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ",")
}

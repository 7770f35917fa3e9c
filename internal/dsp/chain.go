package dsp

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// MaxChannels bounds the per-channel peak meters.
const MaxChannels = 8

// Chain is one live filter chain (a track or the master bus). Parameter
// writers replace an immutable snapshot, so a Process call sees either the
// old or the new set as a whole. Process itself belongs to a single render
// goroutine.
type Chain struct {
	sampleRate int
	params     atomic.Pointer[Params]

	// render state, touched only by Process
	state renderState

	levelMu sync.Mutex
	peaks   [MaxChannels]float64
}

type renderState struct {
	snapshot *Params
	bands    [Bands]biquad
	hist     [Bands][MaxChannels]biquadState
	gateEnv  float64
	compEnv  float64
	limEnv   float64
}

// NewChain creates an identity chain.
func NewChain(sampleRate int) *Chain {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	c := &Chain{sampleRate: sampleRate}
	p := DefaultParams()
	c.params.Store(&p)
	c.state.resetEnvelopes()
	return c
}

// SampleRate of the render path.
func (c *Chain) SampleRate() int { return c.sampleRate }

// Params returns the current snapshot.
func (c *Chain) Params() Params { return *c.params.Load() }

// SetParams replaces the whole parameter set.
func (c *Chain) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.params.Store(&p)
	return nil
}

// Apply runs fn on a copy of the current parameters and publishes the result
// as one snapshot.
func (c *Chain) Apply(fn func(*Params)) error {
	for {
		old := c.params.Load()
		next := *old
		fn(&next)
		if err := next.Validate(); err != nil {
			return err
		}
		if c.params.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

func (c *Chain) Volume() float64 { return c.Params().Volume }

func (c *Chain) SetVolume(v float64) error {
	return c.Apply(func(p *Params) { p.Volume = v })
}

func (c *Chain) Pan() Pan { return c.Params().Pan }

func (c *Chain) SetPan(v Pan) error {
	return c.Apply(func(p *Params) { p.Pan = v })
}

// Band returns the gain in dB of equalizer band i.
func (c *Chain) Band(i int) (float64, error) {
	if i < 0 || i >= Bands {
		return 0, fmt.Errorf("band index %d out of range", i)
	}
	return c.Params().EQ[i], nil
}

// SetBand sets the gain in dB of equalizer band i.
func (c *Chain) SetBand(i int, db float64) error {
	if i < 0 || i >= Bands {
		return fmt.Errorf("band index %d out of range", i)
	}
	return c.Apply(func(p *Params) { p.EQ[i] = db })
}

func (c *Chain) Gate() Dynamics { return c.Params().Gate }

func (c *Chain) SetGate(d Dynamics) error {
	return c.Apply(func(p *Params) { p.Gate = d })
}

func (c *Chain) Compressor() Dynamics { return c.Params().Compressor }

func (c *Chain) SetCompressor(d Dynamics) error {
	return c.Apply(func(p *Params) { p.Compressor = d })
}

func (c *Chain) Limiter() Dynamics { return c.Params().Limiter }

func (c *Chain) SetLimiter(d Dynamics) error {
	return c.Apply(func(p *Params) { p.Limiter = d })
}

// Process filters interleaved samples in place and records peak levels.
func (c *Chain) Process(buf []float32, channels int) {
	if channels <= 0 || len(buf) == 0 {
		return
	}
	p := c.params.Load()
	st := &c.state
	if st.snapshot != p {
		st.prepare(p, c.sampleRate)
	}

	frames := len(buf) / channels
	var peaks [MaxChannels]float64

	for f := 0; f < frames; f++ {
		frame := buf[f*channels : (f+1)*channels]

		for ch := range frame {
			x := float64(frame[ch])
			x *= p.Volume
			x *= panGain(p.Pan.X, ch, channels)
			for b := range p.EQ {
				if p.EQ[b] == 0 {
					continue
				}
				if ch < MaxChannels {
					x = st.bands[b].process(&st.hist[b][ch], x)
				}
			}
			frame[ch] = float32(x)
		}

		g := st.dynamics(p, frame, c.sampleRate)
		for ch := range frame {
			if g != 1 {
				frame[ch] = float32(float64(frame[ch]) * g)
			}
			if ch < MaxChannels {
				if a := math.Abs(float64(frame[ch])); a > peaks[ch] {
					peaks[ch] = a
				}
			}
		}
	}

	c.levelMu.Lock()
	for ch := 0; ch < channels && ch < MaxChannels; ch++ {
		if peaks[ch] > c.peaks[ch] {
			c.peaks[ch] = peaks[ch]
		}
	}
	c.levelMu.Unlock()
}

// TryPeaks copies and clears the peaks recorded since the last read. It
// never waits for the render path; ok is false when the read was skipped.
func (c *Chain) TryPeaks(dst []float64) (n int, ok bool) {
	if !c.levelMu.TryLock() {
		return 0, false
	}
	defer c.levelMu.Unlock()
	n = copy(dst, c.peaks[:])
	for i := 0; i < n; i++ {
		c.peaks[i] = 0
	}
	return n, true
}

// panGain attenuates the side opposite to x. Channels beyond the first two
// are not panned.
func panGain(x float64, ch, channels int) float64 {
	if x == 0 || channels < 2 {
		return 1
	}
	switch {
	case ch == 0 && x > 0:
		return 1 - x
	case ch == 1 && x < 0:
		return 1 + x
	}
	return 1
}

func (st *renderState) prepare(p *Params, sampleRate int) {
	prev := st.snapshot
	for b := range p.EQ {
		if p.EQ[b] == 0 {
			st.hist[b] = [MaxChannels]biquadState{}
			continue
		}
		if prev == nil || prev.EQ[b] != p.EQ[b] {
			st.bands[b] = peaking(BandFrequencies[b], BandQ, p.EQ[b], float64(sampleRate))
		}
	}
	if p.Gate.IsGateBypass() {
		st.gateEnv = 1
	}
	if p.Compressor.IsCompressorBypass() {
		st.compEnv = 1
	}
	if p.Limiter.IsLimiterBypass() {
		st.limEnv = 1
	}
	st.snapshot = p
}

func (st *renderState) resetEnvelopes() {
	st.gateEnv, st.compEnv, st.limEnv = 1, 1, 1
}

// dynamics returns the gain for one frame after gate, compressor and
// limiter. Bypassed stages contribute exactly 1.
func (st *renderState) dynamics(p *Params, frame []float32, sampleRate int) float64 {
	gateOn := !p.Gate.IsGateBypass()
	compOn := !p.Compressor.IsCompressorBypass()
	limOn := !p.Limiter.IsLimiterBypass()
	if !gateOn && !compOn && !limOn {
		return 1
	}

	var level float64
	for _, s := range frame {
		if a := math.Abs(float64(s)); a > level {
			level = a
		}
	}

	g := 1.0
	if gateOn {
		target := 1.0
		if GainToDB(level) < p.Gate.Threshold {
			target = p.Gate.Range
		}
		st.gateEnv = follow(st.gateEnv, target, p.Gate.Attack, p.Gate.Release, sampleRate, true)
		g *= st.gateEnv * p.Gate.Makeup
		level *= st.gateEnv
	}
	if compOn {
		target := DBToGain(compressorReduction(GainToDB(level), p.Compressor))
		st.compEnv = follow(st.compEnv, target, p.Compressor.Attack, p.Compressor.Release, sampleRate, false)
		g *= st.compEnv * p.Compressor.Makeup
		level *= st.compEnv * p.Compressor.Makeup
	}
	if limOn {
		target := 1.0
		if ceiling := DBToGain(p.Limiter.Threshold); level > ceiling {
			target = ceiling / level
		}
		st.limEnv = follow(st.limEnv, target, p.Limiter.Attack, p.Limiter.Release, sampleRate, false)
		g *= st.limEnv * p.Limiter.Makeup
	}
	return g
}

// compressorReduction is the soft-knee gain computer, in dB (<= 0).
func compressorReduction(levelDB float64, d Dynamics) float64 {
	if math.IsInf(levelDB, -1) || d.Ratio <= 1 {
		return 0
	}
	slope := 1/d.Ratio - 1
	over := levelDB - d.Threshold
	switch {
	case 2*over < -d.Knee:
		return 0
	case d.Knee > 0 && 2*math.Abs(over) <= d.Knee:
		x := over + d.Knee/2
		return slope * x * x / (2 * d.Knee)
	default:
		return slope * over
	}
}

// follow moves env toward target. Attack applies when the gain drops
// (or, for the gate, when it opens).
func follow(env, target, attack, release float64, sampleRate int, opening bool) float64 {
	t := release
	if (target < env) != opening {
		t = attack
	}
	if t <= 0 {
		return target
	}
	coef := 1 - math.Exp(-1/(t*float64(sampleRate)))
	return env + coef*(target-env)
}

type biquad struct {
	b0, b1, b2, a1, a2 float64
}

type biquadState struct {
	x1, x2, y1, y2 float64
}

// peaking is the RBJ cookbook peaking EQ.
func peaking(freq, q, gainDB, sampleRate float64) biquad {
	if freq >= sampleRate/2 {
		freq = sampleRate/2 - 1
	}
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosw := math.Cos(w0)

	a0 := 1 + alpha/a
	return biquad{
		b0: (1 + alpha*a) / a0,
		b1: -2 * cosw / a0,
		b2: (1 - alpha*a) / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha/a) / a0,
	}
}

func (bq *biquad) process(s *biquadState, x float64) float64 {
	y := bq.b0*x + bq.b1*s.x1 + bq.b2*s.x2 - bq.a1*s.y1 - bq.a2*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

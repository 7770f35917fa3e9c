package dsp

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(frames, channels int, amp, freq float64) []float32 {
	buf := make([]float32, frames*channels)
	for f := 0; f < frames; f++ {
		v := float32(amp * math.Sin(2*math.Pi*freq*float64(f)/48000))
		for ch := 0; ch < channels; ch++ {
			buf[f*channels+ch] = v
		}
	}
	return buf
}

func process(c *Chain, in []float32) []float32 {
	out := append([]float32(nil), in...)
	c.Process(out, 2)
	return out
}

func TestChain_DefaultIsIdentity(t *testing.T) {
	c := NewChain(48000)
	in := sine(4800, 2, 0.8, 440)
	assert.Equal(t, in, process(c, in))
}

func TestChain_BypassEquivalence(t *testing.T) {
	tests := []struct {
		name    string
		enable  func(*Params)
		disable func(*Params)
	}{
		{
			name: "gate",
			enable: func(p *Params) {
				p.Gate = Dynamics{Threshold: -20, Range: 0.1, Ratio: 1, Attack: 0.001, Release: 0.02, Makeup: 1}
			},
			disable: func(p *Params) { p.Gate = BypassGate() },
		},
		{
			name: "compressor",
			enable: func(p *Params) {
				p.Compressor = Dynamics{Threshold: -30, Range: 1, Ratio: 4, Attack: 0.001, Release: 0.05, Knee: 6, Makeup: 1.5}
			},
			disable: func(p *Params) { p.Compressor = BypassCompressor() },
		},
		{
			name:    "limiter",
			enable:  func(p *Params) { p.Limiter = Dynamics{Threshold: -6, Range: 1, Ratio: 1, Release: 0.05, Makeup: 1} },
			disable: func(p *Params) { p.Limiter = BypassLimiter() },
		},
	}

	first := sine(4800, 2, 0.9, 220)
	second := sine(4800, 2, 0.7, 330)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toggled := NewChain(48000)
			plain := NewChain(48000)
			for _, c := range []*Chain{toggled, plain} {
				require.NoError(t, c.SetBand(5, 3))
				require.NoError(t, c.SetVolume(0.9))
			}

			require.NoError(t, toggled.Apply(tt.enable))
			outA := process(toggled, first)
			outB := process(plain, first)
			assert.NotEqual(t, outB, outA, "enabled effect must change the signal")

			require.NoError(t, toggled.Apply(tt.disable))
			assert.Equal(t, process(plain, second), process(toggled, second))
		})
	}
}

func TestChain_ApplyIsAtomic(t *testing.T) {
	c := NewChain(48000)
	const writes = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			v := float64(i)
			_ = c.Apply(func(p *Params) {
				p.Compressor.Threshold = -v
				p.Compressor.Ratio = v + 1
			})
		}
	}()
	torn := 0
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			p := c.Params()
			if p.Compressor.Ratio != 1-p.Compressor.Threshold && p.Compressor.Threshold != 0 {
				torn++
			}
		}
	}()
	wg.Wait()

	assert.Zero(t, torn)
	assert.Equal(t, float64(writes+1), c.Compressor().Ratio)
}

func TestChain_InvalidWriteKeepsSnapshot(t *testing.T) {
	c := NewChain(48000)
	require.NoError(t, c.SetPan(Pan{X: 0.25}))

	assert.Error(t, c.SetPan(Pan{X: 2}))
	assert.Error(t, c.SetVolume(-1))
	assert.Error(t, c.SetCompressor(Dynamics{Ratio: 0.5, Makeup: 1}))
	assert.Error(t, c.SetBand(Bands, 1))
	_, err := c.Band(-1)
	assert.Error(t, err)

	assert.Equal(t, Pan{X: 0.25}, c.Pan())
	assert.Equal(t, 1.0, c.Volume())
}

func TestChain_PanAndVolume(t *testing.T) {
	c := NewChain(48000)
	require.NoError(t, c.SetPan(Pan{X: 0.5}))
	require.NoError(t, c.SetVolume(0.5))

	buf := []float32{1, 1, -1, -1}
	c.Process(buf, 2)
	assert.Equal(t, []float32{0.25, 0.5, -0.25, -0.5}, buf)

	require.NoError(t, c.SetPan(Pan{X: -1}))
	buf = []float32{1, 1}
	c.Process(buf, 2)
	assert.Equal(t, []float32{0.5, 0}, buf)
}

func TestChain_LimiterCeiling(t *testing.T) {
	c := NewChain(48000)
	require.NoError(t, c.SetLimiter(Dynamics{Threshold: -6, Range: 1, Ratio: 1, Release: 0.05, Makeup: 1}))

	buf := make([]float32, 200)
	for i := range buf {
		buf[i] = 1
	}
	c.Process(buf, 2)
	for _, s := range buf {
		assert.InDelta(t, DBToGain(-6), float64(s), 1e-6)
	}
}

func TestChain_TryPeaks(t *testing.T) {
	c := NewChain(48000)
	c.Process([]float32{0.5, -0.25, 0.1, 0.75}, 2)

	dst := make([]float64, 2)
	n, ok := c.TryPeaks(dst)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.5, dst[0], 1e-9)
	assert.InDelta(t, 0.75, dst[1], 1e-9)

	_, ok = c.TryPeaks(dst)
	require.True(t, ok)
	assert.Zero(t, dst[0], "peaks are cleared on read")

	c.levelMu.Lock()
	_, ok = c.TryPeaks(dst)
	c.levelMu.Unlock()
	assert.False(t, ok, "a busy render path is a miss, not a wait")
}

func TestDBConversions(t *testing.T) {
	assert.Equal(t, 1.0, DBToGain(0))
	assert.InDelta(t, 0.5012, DBToGain(-6), 1e-4)
	assert.True(t, math.IsInf(GainToDB(0), -1))
	assert.InDelta(t, -6.0206, GainToDB(0.5), 1e-4)
}

func TestCompressorReduction(t *testing.T) {
	d := Dynamics{Threshold: -20, Ratio: 4, Knee: 0, Makeup: 1}
	assert.Equal(t, 0.0, compressorReduction(-30, d))
	assert.InDelta(t, -7.5, compressorReduction(-10, d), 1e-9)

	d.Knee = 10
	assert.InDelta(t, -0.9375, compressorReduction(-20, d), 1e-9)
}

func TestMeter_HoldAndDecay(t *testing.T) {
	m := NewMeter(1500*time.Millisecond, 24, -96)
	t0 := time.Unix(100, 0)

	m.Update(t0, 1)
	assert.Equal(t, 0.0, m.Level())
	assert.Equal(t, 0.0, m.Peak())

	m.Decay(t0.Add(500 * time.Millisecond))
	assert.InDelta(t, -12, m.Level(), 1e-9)
	assert.Equal(t, 0.0, m.Peak(), "peak is held")

	m.Decay(t0.Add(2 * time.Second))
	assert.InDelta(t, -48, m.Level(), 1e-9)
	assert.InDelta(t, -36, m.Peak(), 1e-9)

	for i := 3; i < 10; i++ {
		m.Decay(t0.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, -96.0, m.Level())
	assert.Equal(t, -96.0, m.Peak())

	m.Reset()
	assert.Equal(t, -96.0, m.Peak())
}

package mixer

import (
	"io"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopedit/internal/dsp"
)

type fakeSource struct {
	master *dsp.Chain
	tracks map[int]*dsp.Chain
}

func newSource(ids ...int) *fakeSource {
	s := &fakeSource{master: dsp.NewChain(48000), tracks: make(map[int]*dsp.Chain)}
	for _, id := range ids {
		s.tracks[id] = dsp.NewChain(48000)
	}
	return s
}

func (s *fakeSource) TrackIDs() []int {
	ids := make([]int, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *fakeSource) TrackChain(id int) (*dsp.Chain, bool) {
	c, ok := s.tracks[id]
	return c, ok
}

func (s *fakeSource) MasterChain() *dsp.Chain { return s.master }

func newBus(src ChainSource) *Bus {
	return New(src, zerolog.New(io.Discard), MeterOptions{Hold: time.Second, DecayDBPerSec: 20, FloorDB: -96})
}

func TestBus_WritesPushSynchronously(t *testing.T) {
	src := newSource(1)
	b := newBus(src)
	assert.Equal(t, []int{Master, 1}, b.IDs())

	require.NoError(t, b.SetGain(1, -6))
	assert.InDelta(t, 0.501187, src.tracks[1].Volume(), 1e-6)

	require.NoError(t, b.SetGain(Master, -200))
	assert.Equal(t, 0.0, src.master.Volume(), "bottom of the fader is silence")
	st, _ := b.Strip(Master)
	assert.Equal(t, MinGainDB, st.GainDB)

	require.NoError(t, b.SetPan(1, dsp.Pan{X: 0.3}))
	assert.Equal(t, dsp.Pan{X: 0.3}, src.tracks[1].Pan())

	require.NoError(t, b.SetBand(1, 9, -3))
	g, _ := src.tracks[1].Band(9)
	assert.Equal(t, -3.0, g)

	assert.ErrorIs(t, b.SetGain(42, 0), ErrNoStrip)
	assert.Error(t, b.SetBand(1, dsp.Bands, 0))
}

func TestBus_DisablePushesBypass(t *testing.T) {
	for _, e := range []Effect{Gate, Compressor, Limiter} {
		t.Run(e.String(), func(t *testing.T) {
			src := newSource(1)
			b := newBus(src)
			user := DefaultEffect(e)
			user.Makeup = 1.25

			require.NoError(t, b.SetEffect(1, e, user))
			assert.Equal(t, dsp.DefaultParams(), src.tracks[1].Params(), "disabled effect stays bypassed")

			require.NoError(t, b.SetEnabled(1, e, true))
			live := src.tracks[1].Params()
			assert.Equal(t, user, [3]dsp.Dynamics{live.Gate, live.Compressor, live.Limiter}[e])

			require.NoError(t, b.SetEnabled(1, e, false))
			assert.Equal(t, dsp.DefaultParams(), src.tracks[1].Params())

			st, _ := b.Strip(1)
			assert.Equal(t, user, st.Effects[e], "user values survive the toggle")
		})
	}
}

func TestBus_BypassEquivalence(t *testing.T) {
	toggled, plain := newSource(1), newSource(1)
	bt := newBus(toggled)
	newBus(plain)

	require.NoError(t, bt.SetEnabled(1, Compressor, true))
	require.NoError(t, bt.SetEnabled(1, Compressor, false))

	in := make([]float32, 960)
	for i := range in {
		in[i] = float32(i%48) / 48
	}
	a := append([]float32(nil), in...)
	p := append([]float32(nil), in...)
	toggled.tracks[1].Process(a, 2)
	plain.tracks[1].Process(p, 2)
	assert.Equal(t, p, a)
}

func TestBus_RejectedWriteKeepsState(t *testing.T) {
	src := newSource(1)
	b := newBus(src)
	require.NoError(t, b.SetPan(1, dsp.Pan{X: -0.2}))

	assert.Error(t, b.SetPan(1, dsp.Pan{X: 3}))
	st, _ := b.Strip(1)
	assert.Equal(t, dsp.Pan{X: -0.2}, st.Pan)
	assert.Equal(t, dsp.Pan{X: -0.2}, src.tracks[1].Pan())

	bad := DefaultEffect(Compressor)
	bad.Ratio = 0.5
	require.NoError(t, b.SetEffect(1, Compressor, bad), "not pushed while disabled")
	assert.Error(t, b.SetEnabled(1, Compressor, true))
	st, _ = b.Strip(1)
	assert.False(t, st.Enabled[Compressor])
}

func TestBus_TickMeters(t *testing.T) {
	src := newSource()
	b := newBus(src)
	now := time.Unix(1000, 0)

	src.master.Process([]float32{0.5, -1, 0.25, 0.1}, 2)
	b.Tick(now)
	lv, ok := b.Levels(Master)
	require.True(t, ok)
	require.Len(t, lv.Level, 2)
	assert.InDelta(t, -6.02, lv.Level[0], 0.01)
	assert.InDelta(t, 0, lv.Level[1], 1e-9)
	assert.InDelta(t, 0, lv.Peak[1], 1e-9)

	b.Tick(now.Add(500 * time.Millisecond))
	lv, _ = b.Levels(Master)
	assert.InDelta(t, -10, lv.Level[1], 1e-9, "decays at 20 dB/s")
	assert.InDelta(t, 0, lv.Peak[1], 1e-9, "peak held")
	assert.Zero(t, b.Misses())
}

func TestBus_Resync(t *testing.T) {
	src := newSource(1, 3)
	b := newBus(src)
	user := DefaultEffect(Gate)
	user.Threshold = -30
	for _, id := range []int{1, 3} {
		require.NoError(t, b.SetEffect(id, Gate, user))
	}

	loaded := dsp.NewChain(48000)
	comp := dsp.Dynamics{Threshold: -12, Range: 1, Ratio: 2, Attack: 0.01, Release: 0.1, Makeup: 1}
	require.NoError(t, loaded.Apply(func(p *dsp.Params) {
		p.Volume = 0.8
		p.Compressor = comp
	}))
	src.tracks[1] = loaded
	src.tracks[2] = dsp.NewChain(48000)

	b.Resync()
	assert.Equal(t, []int{Master, 1, 2, 3}, b.IDs())

	st, ok := b.Strip(1)
	require.True(t, ok)
	assert.Equal(t, 0.8, st.Gain)
	assert.InDelta(t, -1.938, st.GainDB, 0.001)
	assert.True(t, st.Enabled[Compressor])
	assert.False(t, st.Enabled[Gate], "the loaded chain has no gate")
	assert.Equal(t, DefaultEffect(Gate), st.Effects[Gate], "a replaced chain does not inherit disabled values")
	kept, _ := b.Strip(3)
	assert.Equal(t, user, kept.Effects[Gate], "an unchanged chain keeps them")
	assert.Equal(t, 0.8, loaded.Volume(), "resync push is lossless")
	assert.Equal(t, comp, loaded.Compressor())

	delete(src.tracks, 2)
	b.Resync()
	_, ok = b.Strip(2)
	assert.False(t, ok)
}

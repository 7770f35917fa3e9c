// Package mixer keeps the UI-side state of the audio mix (per-track and
// master strips) and pushes every edit straight into the live dsp chains.
package mixer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/dsp"
	"github.com/kikiluvv/slopedit/internal/metrics"
)

const (
	MinGainDB = -96.0
	MaxGainDB = 32.0

	// Master is the strip id of the master bus. Track ids start at 1.
	Master = 0
)

var ErrNoStrip = errors.New("no such mixer strip")

// Effect selects one dynamics processor.
type Effect int

const (
	Gate Effect = iota
	Compressor
	Limiter
)

func (e Effect) String() string {
	switch e {
	case Gate:
		return "gate"
	case Compressor:
		return "compressor"
	case Limiter:
		return "limiter"
	}
	return "unknown"
}

// ChainSource exposes the live chains. *timeline.Session satisfies it.
type ChainSource interface {
	TrackIDs() []int
	TrackChain(id int) (*dsp.Chain, bool)
	MasterChain() *dsp.Chain
}

// Strip is the UI view of one channel strip. Gain is the linear value
// behind the GainDB fader. Effect values are the user's settings and are
// kept while the effect is disabled.
type Strip struct {
	GainDB  float64
	Gain    float64
	Pan     dsp.Pan
	Bands   [dsp.Bands]float64
	Enabled [3]bool
	Effects [3]dsp.Dynamics
}

// MeterOptions come from the mixer config section.
type MeterOptions struct {
	Hold          time.Duration
	DecayDBPerSec float64
	FloorDB       float64
	Channels      int
}

// Levels is a snapshot of one strip's meters, in dBFS per channel.
type Levels struct {
	Level []float64
	Peak  []float64
}

type strip struct {
	Strip
	chain  *dsp.Chain
	meters []*dsp.Meter
}

// Bus holds every strip.
type Bus struct {
	src    ChainSource
	opts   MeterOptions
	logger zerolog.Logger

	mu     sync.Mutex
	strips map[int]*strip
	peaks  []float64
	misses atomic.Uint64
}

// DefaultEffect is the value an effect takes the first time it is enabled.
func DefaultEffect(e Effect) dsp.Dynamics {
	switch e {
	case Gate:
		return dsp.Dynamics{Threshold: -50, Range: 0.05, Ratio: 1, Attack: 0.005, Release: 0.15, Makeup: 1}
	case Compressor:
		return dsp.Dynamics{Threshold: -18, Range: 1, Ratio: 4, Attack: 0.01, Release: 0.2, Knee: 6, Makeup: 1}
	default:
		return dsp.Dynamics{Threshold: -1, Range: 1, Ratio: 1, Attack: 0, Release: 0.05, Makeup: 1}
	}
}

func bypass(e Effect) dsp.Dynamics {
	switch e {
	case Gate:
		return dsp.BypassGate()
	case Compressor:
		return dsp.BypassCompressor()
	default:
		return dsp.BypassLimiter()
	}
}

// New creates a bus over src and syncs it.
func New(src ChainSource, logger zerolog.Logger, opts MeterOptions) *Bus {
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.Channels > dsp.MaxChannels {
		opts.Channels = dsp.MaxChannels
	}
	b := &Bus{
		src:    src,
		opts:   opts,
		logger: logger.With().Str("component", "mixer").Logger(),
		strips: make(map[int]*strip),
		peaks:  make([]float64, dsp.MaxChannels),
	}
	b.Resync()
	return b
}

// GainToDB maps a linear gain to the fader range.
func GainToDB(g float64) float64 {
	db := dsp.GainToDB(g)
	if math.IsInf(db, -1) || db < MinGainDB {
		return MinGainDB
	}
	if db > MaxGainDB {
		return MaxGainDB
	}
	return db
}

// DBToGain maps a fader position to a linear gain; the bottom is silence.
func DBToGain(db float64) float64 {
	if db <= MinGainDB {
		return 0
	}
	if db > MaxGainDB {
		db = MaxGainDB
	}
	return dsp.DBToGain(db)
}

// Resync rebuilds every strip from the live chains and pushes the result
// back, so UI state and chains agree after a load replaced them.
func (b *Bus) Resync() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := append([]int{Master}, b.src.TrackIDs()...)
	next := make(map[int]*strip, len(ids))
	for _, id := range ids {
		chain := b.src.MasterChain()
		if id != Master {
			var ok bool
			if chain, ok = b.src.TrackChain(id); !ok {
				continue
			}
		}
		st := b.fromChain(chain, b.strips[id])
		if err := b.push(st); err != nil {
			b.logger.Warn().Err(err).Int("strip", id).Msg("resync push failed")
		}
		next[id] = st
	}
	b.strips = next
	b.logger.Debug().Int("strips", len(next)).Msg("mixer resynced")
}

func (b *Bus) fromChain(chain *dsp.Chain, prev *strip) *strip {
	// a replaced chain belongs to a different track; its values don't carry over
	keep := prev != nil && prev.chain == chain
	p := chain.Params()
	st := &strip{chain: chain}
	st.Gain = p.Volume
	st.GainDB = GainToDB(p.Volume)
	st.Pan = p.Pan
	st.Bands = p.EQ

	live := [3]dsp.Dynamics{p.Gate, p.Compressor, p.Limiter}
	enabled := [3]bool{!p.Gate.IsGateBypass(), !p.Compressor.IsCompressorBypass(), !p.Limiter.IsLimiterBypass()}
	for e := Gate; e <= Limiter; e++ {
		st.Enabled[e] = enabled[e]
		switch {
		case enabled[e]:
			st.Effects[e] = live[e]
		case keep:
			st.Effects[e] = prev.Effects[e]
		default:
			st.Effects[e] = DefaultEffect(e)
		}
	}

	if prev != nil {
		st.meters = prev.meters
	} else {
		st.meters = make([]*dsp.Meter, b.opts.Channels)
		for i := range st.meters {
			st.meters[i] = dsp.NewMeter(b.opts.Hold, b.opts.DecayDBPerSec, b.opts.FloorDB)
		}
	}
	return st
}

// applied is the parameter set the chain must hold for st.
func (st *strip) applied() func(*dsp.Params) {
	return func(p *dsp.Params) {
		p.Volume = st.Gain
		p.Pan = st.Pan
		p.EQ = st.Bands
		p.Gate = st.effect(Gate)
		p.Compressor = st.effect(Compressor)
		p.Limiter = st.effect(Limiter)
	}
}

func (st *strip) effect(e Effect) dsp.Dynamics {
	if st.Enabled[e] {
		return st.Effects[e]
	}
	return bypass(e)
}

func (b *Bus) push(st *strip) error {
	return st.chain.Apply(st.applied())
}

// update edits a copy of a strip, pushes it and keeps it only if the chain
// accepted it.
func (b *Bus) update(id int, fn func(*Strip)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.strips[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoStrip, id)
	}
	next := *cur
	fn(&next.Strip)
	if err := b.push(&next); err != nil {
		return err
	}
	*cur = next
	return nil
}

// Strip returns a copy of a strip's state.
func (b *Bus) Strip(id int) (Strip, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.strips[id]
	if !ok {
		return Strip{}, false
	}
	return st.Strip, true
}

// IDs returns the strip ids, master first.
func (b *Bus) IDs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int, 0, len(b.strips))
	for id := range b.strips {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// SetGain sets the fader, clamped to [MinGainDB, MaxGainDB].
func (b *Bus) SetGain(id int, db float64) error {
	db = math.Max(MinGainDB, math.Min(MaxGainDB, db))
	return b.update(id, func(s *Strip) {
		s.GainDB = db
		s.Gain = DBToGain(db)
	})
}

func (b *Bus) SetPan(id int, pan dsp.Pan) error {
	return b.update(id, func(s *Strip) { s.Pan = pan })
}

func (b *Bus) SetBand(id, band int, db float64) error {
	if band < 0 || band >= dsp.Bands {
		return fmt.Errorf("band index %d out of range", band)
	}
	return b.update(id, func(s *Strip) { s.Bands[band] = db })
}

// SetEffect stores the user's values for e. They reach the chain only while
// e is enabled.
func (b *Bus) SetEffect(id int, e Effect, d dsp.Dynamics) error {
	if e < Gate || e > Limiter {
		return fmt.Errorf("unknown effect %d", e)
	}
	return b.update(id, func(s *Strip) { s.Effects[e] = d })
}

// SetEnabled toggles e. Disabling pushes the bypass values in the same call.
func (b *Bus) SetEnabled(id int, e Effect, on bool) error {
	if e < Gate || e > Limiter {
		return fmt.Errorf("unknown effect %d", e)
	}
	return b.update(id, func(s *Strip) { s.Enabled[e] = on })
}

// Tick samples every strip's peaks into its meters. A strip whose render
// path holds the levels is skipped and counted as a miss.
func (b *Bus) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.strips {
		n, ok := st.chain.TryPeaks(b.peaks)
		if !ok {
			b.misses.Add(1)
			metrics.MeterReadMissesTotal.Inc()
			for _, m := range st.meters {
				m.Decay(now)
			}
			continue
		}
		for ch, m := range st.meters {
			v := 0.0
			if ch < n {
				v = b.peaks[ch]
			}
			m.Update(now, v)
		}
	}
}

// Levels returns the meter readings of a strip.
func (b *Bus) Levels(id int) (Levels, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.strips[id]
	if !ok {
		return Levels{}, false
	}
	lv := Levels{Level: make([]float64, len(st.meters)), Peak: make([]float64, len(st.meters))}
	for i, m := range st.meters {
		lv.Level[i] = m.Level()
		lv.Peak[i] = m.Peak()
	}
	return lv, true
}

// Misses is the number of skipped meter reads.
func (b *Bus) Misses() uint64 { return b.misses.Load() }

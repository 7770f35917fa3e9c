package media

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kikiluvv/slopedit/internal/ffmpeg"
)

// Prober computes overview data. *ffmpeg.Executor satisfies it.
type Prober interface {
	ProbeVideo(ctx context.Context, path string) (*ffmpeg.VideoInfo, error)
	Thumbnail(ctx context.Context, path string, at time.Duration, width uint) (image.Image, error)
	Waveform(ctx context.Context, path string, perSecond int) ([]float32, error)
	AnalyzeVolume(ctx context.Context, path string) (*ffmpeg.VolumeStats, error)
}

// OverviewOptions sizes the generated thumbnails and waveform.
type OverviewOptions struct {
	ThumbnailWidth    uint
	Thumbnails        int
	WaveformPerSecond int
}

func (o OverviewOptions) withDefaults() OverviewOptions {
	if o.ThumbnailWidth == 0 {
		o.ThumbnailWidth = 160
	}
	if o.Thumbnails <= 0 {
		o.Thumbnails = 4
	}
	if o.WaveformPerSecond <= 0 {
		o.WaveformPerSecond = 50
	}
	return o
}

// Overview is the probed metadata plus generated previews of one item.
type Overview struct {
	Info       *ffmpeg.VideoInfo
	Thumbnails []image.Image
	Waveform   []float32
	Volume     *ffmpeg.VolumeStats
}

// Duration is the probed duration, zero for stills.
func (o *Overview) Duration() time.Duration {
	if o == nil || o.Info == nil {
		return 0
	}
	return o.Info.Duration
}

func buildOverview(ctx context.Context, p Prober, it Item, opts OverviewOptions) (*Overview, error) {
	ov := &Overview{}
	if it.Kind == KindText || it.Kind == KindImageSequence {
		return ov, nil
	}

	info, err := p.ProbeVideo(ctx, it.Resolved)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", it.Resolved, err)
	}
	ov.Info = info

	if info.HasVideo {
		stamps := thumbnailTimes(info.Duration, opts.Thumbnails, info.StillImage || it.Kind == KindImage)
		for _, at := range stamps {
			img, err := p.Thumbnail(ctx, it.Resolved, at, opts.ThumbnailWidth)
			if err != nil {
				return nil, err
			}
			ov.Thumbnails = append(ov.Thumbnails, img)
		}
	}

	if info.HasAudio {
		if ov.Waveform, err = p.Waveform(ctx, it.Resolved, opts.WaveformPerSecond); err != nil {
			return nil, err
		}
		if ov.Volume, err = p.AnalyzeVolume(ctx, it.Resolved); err != nil {
			return nil, err
		}
	}
	return ov, nil
}

// thumbnailTimes spreads n grabs over the middle of the item.
func thumbnailTimes(d time.Duration, n int, still bool) []time.Duration {
	if still || d <= 0 || n <= 1 {
		return []time.Duration{0}
	}
	step := d / time.Duration(n+1)
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = step * time.Duration(i+1)
	}
	return out
}

type overviewEntry struct {
	mu sync.Mutex
	ov *Overview
}

// overviewCache builds each overview at most once; failures are not cached
// so a relocated or reappearing file can be retried.
type overviewCache struct {
	mu      sync.Mutex
	entries map[int64]*overviewEntry
}

func newOverviewCache() *overviewCache {
	return &overviewCache{entries: make(map[int64]*overviewEntry)}
}

func (c *overviewCache) get(ctx context.Context, it Item, build func(context.Context) (*Overview, error)) (*Overview, error) {
	c.mu.Lock()
	e, ok := c.entries[it.ID]
	if !ok {
		e = &overviewEntry{}
		c.entries[it.ID] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ov != nil {
		return e.ov, nil
	}
	ov, err := build(ctx)
	if err != nil {
		return nil, err
	}
	e.ov = ov
	return ov, nil
}

func (c *overviewCache) drop(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *overviewCache) reset() {
	c.mu.Lock()
	c.entries = make(map[int64]*overviewEntry)
	c.mu.Unlock()
}

package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// share of the overall progress spent normalizing segments
const extractShare = 0.5

// Segment is one source range placed on the exported sequence. A Blank
// segment has no source and renders black video with silence.
type Segment struct {
	Path     string
	In       time.Duration
	Out      time.Duration
	Still    bool
	HasAudio bool
	Blank    bool
}

// Duration of the segment on the output.
func (s Segment) Duration() time.Duration { return s.Out - s.In }

// ExportPlan describes one export: ordered segments and the final encoder
// parameters. AudioFilter carries the master bus as an ffmpeg chain.
type ExportPlan struct {
	Output      string
	Segments    []Segment
	Video       VideoParams
	Audio       AudioParams
	Subtitles   string
	AudioFilter string
	WorkDir     string
}

// Duration is the total output duration.
func (p ExportPlan) Duration() time.Duration {
	var total time.Duration
	for _, s := range p.Segments {
		if d := s.Duration(); d > 0 {
			total += d
		}
	}
	return total
}

// Validate checks the plan before any process is started.
func (p ExportPlan) Validate() error {
	if p.Output == "" {
		return fmt.Errorf("output path is required")
	}
	if len(p.Segments) == 0 {
		return fmt.Errorf("nothing to export: no segments")
	}
	for i, s := range p.Segments {
		if s.Path == "" && !s.Blank {
			return fmt.Errorf("segment %d has no source", i)
		}
		if s.Duration() <= 0 {
			return fmt.Errorf("segment %d has non-positive duration", i)
		}
	}
	if p.Video.Width <= 0 || p.Video.Height <= 0 {
		return fmt.Errorf("invalid output size %dx%d", p.Video.Width, p.Video.Height)
	}
	return nil
}

// Export renders plan to plan.Output. onProgress receives the overall
// fraction; it may be called from ffmpeg's reader goroutine.
func (e *Executor) Export(ctx context.Context, plan ExportPlan, onProgress func(float64)) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid export plan: %w", err)
	}
	onProgress = forwardOnly(onProgress)

	workDir, err := os.MkdirTemp(plan.WorkDir, "slopedit-export-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	total := plan.Duration()
	e.logger.Info().
		Str("output", plan.Output).
		Int("segments", len(plan.Segments)).
		Dur("duration", total).
		Str("codec", plan.Video.Codec).
		Msg("starting export")

	inputs := make([]string, 0, len(plan.Segments))
	var done time.Duration
	for i, seg := range plan.Segments {
		out := filepath.Join(workDir, fmt.Sprintf("seg-%04d.mkv", i))
		base := done
		err := e.ExtractClip(ctx, seg.Path, ClipOptions{
			Start:      seg.In,
			End:        seg.Out,
			Output:     out,
			Still:      seg.Still,
			HasAudio:   seg.HasAudio,
			Blank:      seg.Blank,
			Width:      plan.Video.Width,
			Height:     plan.Video.Height,
			FrameRate:  plan.Video.FrameRate,
			SampleRate: plan.Audio.SampleRate,
			Channels:   plan.Audio.Channels,
			ProgressFunc: func(p *Progress) {
				onProgress(extractShare * fraction(base+p.OutTime, total))
			},
		})
		if err != nil {
			return fmt.Errorf("segment %d (%s): %w", i, seg.Path, err)
		}
		done += seg.Duration()
		onProgress(extractShare * fraction(done, total))
		inputs = append(inputs, out)
	}

	err = e.Concat(ctx, ConcatOptions{
		Inputs:      inputs,
		Output:      plan.Output,
		Video:       plan.Video,
		Audio:       plan.Audio,
		VideoFilter: NewFilterBuilder().Subtitles(plan.Subtitles).Build(),
		AudioFilter: plan.AudioFilter,
		ProgressFunc: func(p *Progress) {
			f := fraction(p.OutTime, total)
			if p.Done {
				f = 1
			}
			onProgress(extractShare + (1-extractShare)*f)
		},
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	onProgress(1)
	e.logger.Info().Str("output", plan.Output).Msg("export completed")
	return nil
}

// forwardOnly drops reports lower than the last one; ffmpeg's out_time can
// overshoot a segment's nominal length.
func forwardOnly(fn func(float64)) func(float64) {
	if fn == nil {
		return func(float64) {}
	}
	var last float64
	return func(f float64) {
		if f < last {
			return
		}
		last = f
		fn(f)
	}
}

func fraction(d, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(d) / float64(total)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

package ffmpeg

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// ClipOptions defines segment extraction parameters. Segments are normalized
// to one size, rate and audio layout so they can be concatenated.
type ClipOptions struct {
	Start        time.Duration
	End          time.Duration
	Output       string
	Still        bool // input is a single image shown for End-Start
	Blank        bool // no input: black frames and silence for End-Start
	HasAudio     bool
	Width        int
	Height       int
	FrameRate    util.Rational
	SampleRate   int
	Channels     int
	ProgressFunc ProgressFunc
}

// ExtractClip cuts one normalized segment from a media file
func (e *Executor) ExtractClip(ctx context.Context, input string, opts ClipOptions) error {
	duration := opts.End - opts.Start
	if duration <= 0 {
		return fmt.Errorf("invalid clip duration: end must be after start")
	}
	if opts.Output == "" {
		return fmt.Errorf("output path is required")
	}

	e.logger.Debug().
		Str("input", input).
		Str("output", opts.Output).
		Dur("start", opts.Start).
		Dur("duration", duration).
		Bool("still", opts.Still).
		Msg("extracting clip")

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = 2
	}

	var args []string
	switch {
	case opts.Blank:
		args = append(args, "-f", "lavfi", "-t", util.FormatDuration(duration),
			"-i", fmt.Sprintf("color=c=black:s=%dx%d", blankSize(opts.Width), blankSize(opts.Height)))
	case opts.Still:
		args = append(args, "-loop", "1", "-t", util.FormatDuration(duration), "-i", input)
	default:
		args = append(args, "-ss", util.FormatDuration(opts.Start), "-t", util.FormatDuration(duration), "-i", input)
	}

	// silent track keeps the concat demuxer's stream layout uniform
	if opts.Blank || opts.Still || !opts.HasAudio {
		args = append(args,
			"-f", "lavfi",
			"-t", util.FormatDuration(duration),
			"-i", fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d", channelLayout(channels), sampleRate),
			"-map", "0:v:0", "-map", "1:a:0",
		)
	} else {
		args = append(args, "-map", "0:v:0", "-map", "0:a:0")
	}

	vf := NewFilterBuilder().Fit(opts.Width, opts.Height).FPS(opts.FrameRate).Format("yuv420p").Build()
	args = append(args,
		"-vf", vf,
		"-c:v", DefaultVideoCodec,
		"-preset", intermediatePreset,
		"-crf", strconv.Itoa(intermediateCRF),
		"-c:a", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-t", util.FormatDuration(duration),
		opts.Output,
	)

	runOpts := RunOptions{
		Args:            args,
		ProgressHandler: opts.ProgressFunc,
		LogHandler: func(line string) {
			e.logger.Trace().Str("ffmpeg", line).Msg("clip extraction")
		},
	}

	if err := e.Run(ctx, runOpts); err != nil {
		return fmt.Errorf("clip extraction failed: %w", err)
	}

	return nil
}

func blankSize(n int) int {
	if n <= 0 {
		return 16
	}
	return n
}

func channelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 6:
		return "5.1"
	case 8:
		return "7.1"
	default:
		return "stereo"
	}
}

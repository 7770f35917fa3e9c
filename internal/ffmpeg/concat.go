package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConcatOptions defines concatenation parameters
type ConcatOptions struct {
	Inputs       []string
	Output       string
	Video        VideoParams
	Audio        AudioParams
	VideoFilter  string
	AudioFilter  string
	ProgressFunc ProgressFunc
}

// Concat joins normalized segments and re-encodes them with the final
// encoder parameters
func (e *Executor) Concat(ctx context.Context, opts ConcatOptions) error {
	if len(opts.Inputs) == 0 {
		return fmt.Errorf("no input files provided")
	}
	if opts.Output == "" {
		return fmt.Errorf("output path is required")
	}

	e.logger.Debug().
		Int("inputs", len(opts.Inputs)).
		Str("output", opts.Output).
		Msg("concatenating segments")

	concatFile, err := e.createConcatFile(opts.Inputs)
	if err != nil {
		return fmt.Errorf("failed to create concat file: %w", err)
	}
	defer os.Remove(concatFile)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", concatFile,
	}
	if opts.VideoFilter != "" {
		args = append(args, "-vf", opts.VideoFilter)
	}
	if opts.AudioFilter != "" {
		args = append(args, "-af", opts.AudioFilter)
	}
	args = append(args, encoderArgs(opts.Video, opts.Audio)...)
	args = append(args, opts.Output)

	runOpts := RunOptions{
		Args:            args,
		ProgressHandler: opts.ProgressFunc,
		LogHandler: func(line string) {
			e.logger.Trace().Str("ffmpeg", line).Msg("concatenating")
		},
	}

	return e.Run(ctx, runOpts)
}

// encoderArgs maps encoder parameters to output options. -1 leaves the
// encoder default in place.
func encoderArgs(v VideoParams, a AudioParams) []string {
	codec := v.Codec
	if codec == "" {
		codec = DefaultVideoCodec
	}
	args := []string{"-c:v", codec}
	if v.Bitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(v.Bitrate))
	}
	if v.GOPSize > 0 {
		args = append(args, "-g", strconv.Itoa(v.GOPSize))
	}
	if v.BFrames >= 0 {
		args = append(args, "-bf", strconv.Itoa(v.BFrames))
	}
	if v.FrameRate.Valid() {
		args = append(args, "-r", v.FrameRate.String())
	}
	for _, kv := range v.Options {
		args = append(args, "-"+strings.TrimPrefix(kv.Key, "-")+":v", kv.Value)
	}

	audioCodec := a.Codec
	if audioCodec == "" {
		audioCodec = DefaultAudioCodec
	}
	args = append(args, "-c:a", audioCodec)
	if a.Bitrate > 0 {
		args = append(args, "-b:a", strconv.Itoa(a.Bitrate))
	}
	if a.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(a.SampleRate))
	}
	if a.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(a.Channels))
	}
	for _, kv := range a.Options {
		args = append(args, "-"+strings.TrimPrefix(kv.Key, "-")+":a", kv.Value)
	}
	return args
}

// createConcatFile generates a temporary file list for ffmpeg concat
func (e *Executor) createConcatFile(inputs []string) (string, error) {
	tmpFile, err := os.CreateTemp("", "slopedit-concat-*.txt")
	if err != nil {
		return "", err
	}
	defer tmpFile.Close()

	for _, input := range inputs {
		absPath, err := filepath.Abs(input)
		if err != nil {
			return "", err
		}
		escaped := strings.ReplaceAll(absPath, "'", `'\''`)
		if _, err := fmt.Fprintf(tmpFile, "file '%s'\n", escaped); err != nil {
			return "", err
		}
	}

	return tmpFile.Name(), nil
}

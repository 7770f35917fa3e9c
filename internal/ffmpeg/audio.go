package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// VolumeStats holds volume analysis results in dBFS
type VolumeStats struct {
	MeanVolume float64
	MaxVolume  float64
}

// AnalyzeVolume calculates volume statistics for an audio/video file
func (e *Executor) AnalyzeVolume(ctx context.Context, input string) (*VolumeStats, error) {
	e.logger.Debug().Str("input", input).Msg("analyzing volume")

	output, err := e.runNullSink(ctx, input, "volumedetect")
	if err != nil {
		return nil, fmt.Errorf("volume analysis failed: %w", err)
	}
	if output == "" {
		return nil, fmt.Errorf("volume analysis produced no output")
	}

	return parseVolumeOutput(output), nil
}

// runNullSink runs an audio analysis filter into the null muxer and returns
// the collected log.
func (e *Executor) runNullSink(ctx context.Context, input, filter string) (string, error) {
	var stderrBuf bytes.Buffer
	var mu sync.Mutex

	opts := RunOptions{
		Args: []string{
			"-i", input,
			"-vn",
			"-af", filter,
			"-f", "null",
			"-",
		},
		LogHandler: func(line string) {
			mu.Lock()
			stderrBuf.WriteString(line + "\n")
			mu.Unlock()
		},
	}

	err := e.Run(ctx, opts)

	mu.Lock()
	output := stderrBuf.String()
	mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// the null muxer reports these even when analysis completed
		if !strings.Contains(err.Error(), "Conversion failed") &&
			!strings.Contains(err.Error(), "Output file is empty") {
			return "", err
		}
	}
	return output, nil
}

// parseVolumeOutput extracts volume stats from volumedetect output
func parseVolumeOutput(output string) *VolumeStats {
	stats := &VolumeStats{}

	for _, line := range strings.Split(output, "\n") {
		if v, ok := fieldAfter(line, "mean_volume:"); ok {
			stats.MeanVolume = v
		} else if v, ok := fieldAfter(line, "max_volume:"); ok {
			stats.MaxVolume = v
		}
	}

	return stats
}

func fieldAfter(line, marker string) (float64, bool) {
	_, rest, ok := strings.Cut(line, marker)
	if !ok {
		return 0, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

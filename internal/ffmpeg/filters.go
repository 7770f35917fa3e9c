package ffmpeg

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// FilterBuilder helps construct ffmpeg filter chains
type FilterBuilder struct {
	filters []string
}

// NewFilterBuilder creates a new filter builder
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]string, 0),
	}
}

// Scale adds a scale filter
func (fb *FilterBuilder) Scale(width, height int) *FilterBuilder {
	if width <= 0 || height <= 0 {
		// Return self without adding filter - allows chaining to continue
		return fb
	}
	fb.filters = append(fb.filters, fmt.Sprintf("scale=%d:%d", width, height))
	return fb
}

// Fit scales into width x height keeping the aspect ratio and pads the rest.
func (fb *FilterBuilder) Fit(width, height int) *FilterBuilder {
	if width <= 0 || height <= 0 {
		return fb
	}
	fb.filters = append(fb.filters,
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height),
		"setsar=1",
	)
	return fb
}

// FPS adds an fps filter with an exact rate
func (fb *FilterBuilder) FPS(rate util.Rational) *FilterBuilder {
	if !rate.Valid() {
		return fb
	}
	fb.filters = append(fb.filters, fmt.Sprintf("fps=%s", rate))
	return fb
}

// Format forces a pixel format
func (fb *FilterBuilder) Format(pixFmt string) *FilterBuilder {
	if pixFmt == "" {
		return fb
	}
	fb.filters = append(fb.filters, "format="+pixFmt)
	return fb
}

// Subtitles burns a subtitle file into the picture
func (fb *FilterBuilder) Subtitles(path string) *FilterBuilder {
	if path == "" {
		return fb
	}
	fb.filters = append(fb.filters, "subtitles="+escapeFilterPath(path))
	return fb
}

// AudioVolume adjusts audio volume by a linear factor
func (fb *FilterBuilder) AudioVolume(gain float64) *FilterBuilder {
	if gain == 1 {
		return fb
	}
	fb.filters = append(fb.filters, fmt.Sprintf("volume=%.6f", gain))
	return fb
}

// Balance applies a stereo balance in [-1,1] with the same law as the live
// renderer: the opposite side is attenuated, the near side is untouched.
func (fb *FilterBuilder) Balance(x float64) *FilterBuilder {
	if x == 0 {
		return fb
	}
	left, right := 1.0, 1.0
	if x > 0 {
		left = 1 - x
	} else {
		right = 1 + x
	}
	fb.filters = append(fb.filters, fmt.Sprintf("pan=stereo|c0=%.6f*c0|c1=%.6f*c1", left, right))
	return fb
}

// Equalizer adds one peaking band
func (fb *FilterBuilder) Equalizer(freq, q, gainDB float64) *FilterBuilder {
	if gainDB == 0 {
		return fb
	}
	fb.filters = append(fb.filters, fmt.Sprintf("equalizer=f=%g:t=q:w=%g:g=%g", freq, q, gainDB))
	return fb
}

// Custom adds a custom filter string
func (fb *FilterBuilder) Custom(filter string) *FilterBuilder {
	if filter != "" {
		fb.filters = append(fb.filters, filter)
	}
	return fb
}

// Build returns the complete filter string joined with commas
func (fb *FilterBuilder) Build() string {
	if len(fb.filters) == 0 {
		return ""
	}
	return strings.Join(fb.filters, ",")
}

// BuildAll returns all filters as a slice
func (fb *FilterBuilder) BuildAll() []string {
	return fb.filters
}

// escapeFilterPath escapes a file path for use inside a filter argument
func escapeFilterPath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	// Windows: Convert backslashes to forward slashes
	if runtime.GOOS == "windows" {
		absPath = strings.ReplaceAll(absPath, "\\", "/")
	}

	escaped := strings.ReplaceAll(absPath, ":", "\\:")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")

	return escaped
}

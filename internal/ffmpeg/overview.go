package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nfnt/resize"

	"github.com/kikiluvv/slopedit/pkg/util"
)

const waveformSampleRate = 8000

// Thumbnail grabs the frame at timestamp and scales it to width, keeping the
// aspect ratio.
func (e *Executor) Thumbnail(ctx context.Context, input string, timestamp time.Duration, width uint) (image.Image, error) {
	if input == "" {
		return nil, fmt.Errorf("input path is required")
	}

	e.logger.Debug().
		Str("input", input).
		Dur("timestamp", timestamp).
		Msg("generating thumbnail")

	out, err := e.output(ctx,
		"-loglevel", "error",
		"-ss", util.FormatDuration(timestamp),
		"-i", input,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail: %w", err)
	}
	return scaleToWidth(img, width), nil
}

func scaleToWidth(img image.Image, width uint) image.Image {
	if width == 0 || uint(img.Bounds().Dx()) <= width {
		return img
	}
	return resize.Resize(width, 0, img, resize.Lanczos3)
}

// Waveform decodes the first audio stream to mono PCM and returns one peak
// per bucket, perSecond buckets per second of audio, each in [0,1].
func (e *Executor) Waveform(ctx context.Context, input string, perSecond int) ([]float32, error) {
	if perSecond <= 0 || perSecond > waveformSampleRate {
		return nil, fmt.Errorf("invalid waveform resolution %d", perSecond)
	}

	e.logger.Debug().Str("input", input).Int("per_second", perSecond).Msg("extracting waveform")

	out, err := e.output(ctx,
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(waveformSampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	if err != nil {
		return nil, fmt.Errorf("waveform: %w", err)
	}
	return pcmPeaks(out, waveformSampleRate/perSecond), nil
}

// pcmPeaks reduces little-endian s16 samples to normalized absolute peaks.
func pcmPeaks(pcm []byte, bucket int) []float32 {
	if bucket <= 0 {
		bucket = 1
	}
	samples := len(pcm) / 2
	peaks := make([]float32, 0, (samples+bucket-1)/bucket)

	var peak float64
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		peak = math.Max(peak, math.Abs(float64(s))/32768)
		if (i+1)%bucket == 0 {
			peaks = append(peaks, float32(peak))
			peak = 0
		}
	}
	if samples%bucket != 0 {
		peaks = append(peaks, float32(peak))
	}
	return peaks
}

// HWAccels lists the hardware acceleration methods ffmpeg was built with.
func (e *Executor) HWAccels(ctx context.Context) ([]string, error) {
	out, err := e.output(ctx, "-hwaccels")
	if err != nil {
		return nil, fmt.Errorf("list hwaccels: %w", err)
	}
	return parseHWAccels(out), nil
}

func parseHWAccels(out []byte) []string {
	var methods []string
	inList := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Hardware acceleration methods") {
			inList = true
			continue
		}
		if inList && line != "" {
			methods = append(methods, line)
		}
	}
	return methods
}

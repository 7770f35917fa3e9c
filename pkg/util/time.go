package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatDuration converts time.Duration to ffmpeg timestamp format
func FormatDuration(d time.Duration) string {
	seconds := d.Seconds()
	hours := int(seconds / 3600)
	minutes := int((seconds - float64(hours*3600)) / 60)
	secs := seconds - float64(hours*3600) - float64(minutes*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", hours, minutes, secs)
}

// ParseTimestamp parses a timestamp string (HH:MM:SS.mmm or SS.mmm or MM:SS)
func ParseTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp format: %s", s)
	}

	var total float64
	for _, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp format: %s", s)
		}
		total = total*60 + v
	}

	return time.Duration(total * float64(time.Second)), nil
}

// Rational is an exact frame rate such as 30000/1001.
type Rational struct {
	Num int `yaml:"num" json:"num"`
	Den int `yaml:"den" json:"den"`
}

// Float returns the rate as frames per second, 0 when undefined.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// FrameDuration is the length of one frame, rounded down to the nanosecond.
func (r Rational) FrameDuration() time.Duration {
	if !r.Valid() {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.Den) / int64(r.Num))
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ParseRational parses "num/den" or a plain integer rate.
func ParseRational(s string) (Rational, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return Rational{}, fmt.Errorf("invalid frame rate: %s", s)
	}
	den := 1
	if len(parts) == 2 {
		den, err = strconv.Atoi(parts[1])
		if err != nil {
			return Rational{}, fmt.Errorf("invalid frame rate: %s", s)
		}
	} else if len(parts) > 2 {
		return Rational{}, fmt.Errorf("invalid frame rate: %s", s)
	}
	r := Rational{Num: num, Den: den}
	if !r.Valid() {
		return Rational{}, fmt.Errorf("invalid frame rate: %s", s)
	}
	return r, nil
}

// ParseFrameRate parses frame rate from ffprobe format (e.g., "30/1")
func ParseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// SnapToFrame floors t to the start of the frame containing it.
func SnapToFrame(t, frame time.Duration) time.Duration {
	if frame <= 0 {
		return t
	}
	if t < 0 {
		return 0
	}
	return t - t%frame
}

package ffmpeg

import (
	"time"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// VideoInfo contains metadata about a media file
type VideoInfo struct {
	FilePath     string
	FormatName   string
	Duration     time.Duration
	Width        int
	Height       int
	FPS          float64
	FrameRate    util.Rational
	Bitrate      int64
	HasVideo     bool
	VideoCodec   string
	StillImage   bool
	HasAudio     bool
	AudioCodec   string
	AudioBitrate int64
	SampleRate   int
	Channels     int
	HasSubtitle  bool
}

// Progress represents ffmpeg progress data
type Progress struct {
	Frame   int
	FPS     float64
	Bitrate string
	Time    string
	OutTime time.Duration
	Speed   string
	Done    bool
}

// RunOptions configures ffmpeg execution
type RunOptions struct {
	Args            []string
	ProgressHandler func(*Progress)
	LogHandler      func(line string)
}

// Default encoding settings
const (
	DefaultCRF        = 23
	DefaultPreset     = "medium"
	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"

	// intermediate segments favour speed; the final pass sets quality
	intermediatePreset = "ultrafast"
	intermediateCRF    = 16
)

// ProgressFunc is a callback for progress updates during ffmpeg operations.
// Called periodically with progress information as the operation executes.
type ProgressFunc func(*Progress)

// KeyValue is one extra encoder option passed as -key value.
type KeyValue struct {
	Key   string
	Value string
}

// VideoParams are the encoder parameters for the video stream. Bitrate,
// GOPSize and BFrames use -1 for "not applicable / encoder default".
type VideoParams struct {
	Codec     string
	Width     int
	Height    int
	FrameRate util.Rational
	Bitrate   int
	GOPSize   int
	BFrames   int
	Options   []KeyValue
}

// AudioParams are the encoder parameters for the audio stream.
type AudioParams struct {
	Codec      string
	Channels   int
	SampleRate int
	Bitrate    int
	Options    []KeyValue
}

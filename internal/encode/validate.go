package encode

import (
	"context"
	"fmt"
	"strings"

	"github.com/kikiluvv/slopedit/internal/env"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/timeline"
)

// NotApplicable marks a numeric encoder field the codec has no use for.
const NotApplicable = -1

// ConfigError rejects an encoder configuration. The job stays in
// Configuring so the user can fix the field and retry.
type ConfigError struct {
	Field  string
	Codec  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Codec == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", e.Field, e.Codec, e.Reason)
}

// hwCaps lists what the well-known hardware families take through the
// generic options, whatever their private option list says.
var hwCaps = map[string]struct{ bitrate, gop, bframes bool }{
	"cuda":         {true, true, true},
	"vaapi":        {true, true, true},
	"qsv":          {true, true, true},
	"videotoolbox": {true, true, false},
	"amf":          {true, true, true},
}

func findEncoder(ctx context.Context, s Session, name string, kind ffmpeg.StreamKind) (ffmpeg.Encoder, error) {
	field := string(kind) + ".codec"
	if strings.TrimSpace(name) == "" {
		return ffmpeg.Encoder{}, &ConfigError{Field: field, Reason: "no codec selected"}
	}
	encoders, err := s.FindEncoder(ctx, name)
	if err != nil {
		return ffmpeg.Encoder{}, &ConfigError{Field: field, Codec: name, Reason: fmt.Sprintf("cannot query backend: %v", err)}
	}
	for _, enc := range encoders {
		if enc.Name == name {
			if enc.Kind != kind {
				return ffmpeg.Encoder{}, &ConfigError{Field: field, Codec: name, Reason: fmt.Sprintf("is a %s encoder", enc.Kind)}
			}
			return enc, nil
		}
	}
	return ffmpeg.Encoder{}, &ConfigError{Field: field, Codec: name, Reason: "unknown encoder"}
}

// validateVideo resolves the video encoder and normalizes p against what it
// supports.
func validateVideo(ctx context.Context, s Session, hw env.Hardware, st timeline.Settings, p ffmpeg.VideoParams) (ffmpeg.VideoParams, error) {
	enc, err := findEncoder(ctx, s, p.Codec, ffmpeg.StreamVideo)
	if err != nil {
		return p, err
	}
	if family := env.AccelFamily(enc.Name); family != "" && !hw.SupportsEncoder(enc.Name) {
		return p, &ConfigError{Field: "video.codec", Codec: enc.Name, Reason: family + " acceleration is not available"}
	}

	if p.Width <= 0 || p.Height <= 0 {
		p.Width, p.Height = st.Width, st.Height
	}
	if !p.FrameRate.Valid() {
		p.FrameRate = st.FrameRate
	}

	bitrate, gop, bframes := enc.HasOption("b"), enc.HasOption("g"), enc.HasOption("bf")
	if caps, ok := hwCaps[env.AccelFamily(enc.Name)]; ok {
		bitrate, gop, bframes = caps.bitrate, caps.gop, caps.bframes
	}
	switch {
	case !bitrate:
		p.Bitrate = NotApplicable
	case p.Bitrate == NotApplicable || p.Bitrate == 0:
		p.Bitrate = int(float64(p.Width*p.Height) * p.FrameRate.Float() / 10)
	case p.Bitrate < 0:
		return p, &ConfigError{Field: "video.bitrate", Codec: enc.Name, Reason: fmt.Sprintf("invalid bitrate %d", p.Bitrate)}
	}
	if !gop {
		p.GOPSize = NotApplicable
	} else if p.GOPSize < NotApplicable {
		return p, &ConfigError{Field: "video.gop_size", Codec: enc.Name, Reason: fmt.Sprintf("invalid GOP size %d", p.GOPSize)}
	}
	if !bframes {
		p.BFrames = NotApplicable
	} else if p.BFrames < NotApplicable {
		return p, &ConfigError{Field: "video.b_frames", Codec: enc.Name, Reason: fmt.Sprintf("invalid B-frame count %d", p.BFrames)}
	}

	if err := checkOptions(enc, "video.options", p.Options); err != nil {
		return p, err
	}
	return p, nil
}

// validateAudio does the same for the audio stream. An empty codec keeps the
// container default.
func validateAudio(ctx context.Context, s Session, st timeline.Settings, p ffmpeg.AudioParams) (ffmpeg.AudioParams, error) {
	if p.Codec == "" {
		if len(p.Options) > 0 {
			return p, &ConfigError{Field: "audio.options", Reason: "options need an explicit codec"}
		}
		return p, nil
	}
	enc, err := findEncoder(ctx, s, p.Codec, ffmpeg.StreamAudio)
	if err != nil {
		return p, err
	}
	if p.Channels <= 0 {
		p.Channels = st.Channels
	}
	if p.SampleRate <= 0 {
		p.SampleRate = st.SampleRate
	}
	if !enc.HasOption("b") || p.Bitrate == 0 {
		p.Bitrate = NotApplicable
	} else if p.Bitrate < NotApplicable {
		return p, &ConfigError{Field: "audio.bitrate", Codec: enc.Name, Reason: fmt.Sprintf("invalid bitrate %d", p.Bitrate)}
	}
	if err := checkOptions(enc, "audio.options", p.Options); err != nil {
		return p, err
	}
	return p, nil
}

func checkOptions(enc ffmpeg.Encoder, field string, opts []ffmpeg.KeyValue) error {
	for _, kv := range opts {
		o, ok := enc.Option(kv.Key)
		if !ok {
			return &ConfigError{Field: field, Codec: enc.Name, Reason: fmt.Sprintf("unknown option %q", kv.Key)}
		}
		if !o.Accepts(kv.Value) {
			allowed := make([]string, 0, len(o.Values))
			for _, v := range o.Values {
				allowed = append(allowed, v.Name)
			}
			return &ConfigError{
				Field:  field,
				Codec:  enc.Name,
				Reason: fmt.Sprintf("option %s does not accept %q (allowed: %s)", kv.Key, kv.Value, strings.Join(allowed, ", ")),
			}
		}
	}
	return nil
}

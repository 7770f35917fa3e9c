package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
)

// StreamKind is the stream type an encoder produces.
type StreamKind string

const (
	StreamVideo    StreamKind = "video"
	StreamAudio    StreamKind = "audio"
	StreamSubtitle StreamKind = "subtitle"
)

// Encoder is the backend's description of one encoder: its name and the
// options it accepts.
type Encoder struct {
	Name     string
	Codec    string
	LongName string
	Kind     StreamKind
	Options  []EncoderOption

	PixelFormats []string
	SampleRates  []string
}

// EncoderOption is one named option, optionally with an enumerated value set.
type EncoderOption struct {
	Name    string
	Type    string
	Help    string
	Default string
	Values  []OptionValue
}

// OptionValue is one member of an option's enumerated value set.
type OptionValue struct {
	Name  string
	Value string
	Help  string
}

// Option returns the named option.
func (enc Encoder) Option(name string) (EncoderOption, bool) {
	for _, o := range enc.Options {
		if o.Name == name {
			return o, true
		}
	}
	return EncoderOption{}, false
}

// HasOption reports whether any of names is advertised.
func (enc Encoder) HasOption(names ...string) bool {
	for _, n := range names {
		if _, ok := enc.Option(n); ok {
			return true
		}
	}
	return false
}

// Accepts reports whether value is allowed by an enumerated option. Options
// without a value set accept anything.
func (o EncoderOption) Accepts(value string) bool {
	if len(o.Values) == 0 {
		return true
	}
	for _, v := range o.Values {
		if v.Name == value || (v.Value != "" && v.Value == value) {
			return true
		}
	}
	return false
}

// Generic AVCodecContext options the CLI accepts for every encoder even
// though -h encoder= does not list them.
var (
	genericVideoOptions = []EncoderOption{
		{Name: "b", Type: "int64", Help: "set bitrate (in bits/s)"},
		{Name: "g", Type: "int", Help: "set the group of picture (GOP) size"},
		{Name: "bf", Type: "int", Help: "set maximum number of B-frames between non-B-frames"},
		{Name: "pix_fmt", Type: "string", Help: "set pixel format"},
	}
	genericAudioOptions = []EncoderOption{
		{Name: "b", Type: "int64", Help: "set bitrate (in bits/s)"},
		{Name: "ar", Type: "int", Help: "set audio sampling rate (in Hz)"},
		{Name: "ac", Type: "int", Help: "set number of audio channels"},
	}
)

// ListEncoders returns every encoder the installed ffmpeg offers, without
// option details.
func (e *Executor) ListEncoders(ctx context.Context) ([]Encoder, error) {
	e.mu.Lock()
	cached := e.encoders
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	out, err := e.output(ctx, "-encoders")
	if err != nil {
		return nil, fmt.Errorf("list encoders: %w", err)
	}
	encoders := parseEncoderList(out)

	e.mu.Lock()
	e.encoders = encoders
	e.mu.Unlock()

	e.logger.Debug().Int("encoders", len(encoders)).Msg("enumerated encoders")
	return encoders, nil
}

// DescribeEncoder returns the encoder with its full option list.
func (e *Executor) DescribeEncoder(ctx context.Context, name string) (Encoder, error) {
	e.mu.Lock()
	enc, ok := e.described[name]
	e.mu.Unlock()
	if ok {
		return enc, nil
	}

	all, err := e.ListEncoders(ctx)
	if err != nil {
		return Encoder{}, err
	}
	for _, candidate := range all {
		if candidate.Name == name {
			enc, ok = candidate, true
			break
		}
	}
	if !ok {
		return Encoder{}, fmt.Errorf("unknown encoder %q", name)
	}

	out, err := e.output(ctx, "-h", "encoder="+name)
	if err != nil {
		return Encoder{}, fmt.Errorf("describe encoder %s: %w", name, err)
	}
	enc = parseEncoderHelp(enc, out)

	e.mu.Lock()
	e.described[name] = enc
	e.mu.Unlock()
	return enc, nil
}

// FindEncoder returns described encoders matching hint. A hint matches an
// encoder's name, its codec id or a stream kind ("video", "audio"); an empty
// hint matches every video and audio encoder.
func (e *Executor) FindEncoder(ctx context.Context, hint string) ([]Encoder, error) {
	all, err := e.ListEncoders(ctx)
	if err != nil {
		return nil, err
	}

	var out []Encoder
	for _, enc := range all {
		if !matchesHint(enc, hint) {
			continue
		}
		described, err := e.DescribeEncoder(ctx, enc.Name)
		if err != nil {
			e.logger.Warn().Err(err).Str("encoder", enc.Name).Msg("failed to describe encoder")
			continue
		}
		out = append(out, described)
	}
	return out, nil
}

func matchesHint(enc Encoder, hint string) bool {
	hint = strings.ToLower(strings.TrimSpace(hint))
	switch hint {
	case "":
		return enc.Kind == StreamVideo || enc.Kind == StreamAudio
	case string(StreamVideo), string(StreamAudio), string(StreamSubtitle):
		return string(enc.Kind) == hint
	}
	return enc.Name == hint || enc.Codec == hint
}

// parseEncoderList parses the table printed by `ffmpeg -encoders`:
//
//	------
//	V....D libx264     libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
func parseEncoderList(out []byte) []Encoder {
	var encoders []Encoder
	inTable := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inTable {
			inTable = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) < 1 {
			continue
		}

		enc := Encoder{Name: fields[1], Codec: fields[1]}
		switch fields[0][0] {
		case 'V':
			enc.Kind = StreamVideo
		case 'A':
			enc.Kind = StreamAudio
		case 'S':
			enc.Kind = StreamSubtitle
		default:
			continue
		}

		desc := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		desc = strings.TrimSpace(strings.TrimPrefix(desc, fields[1]))
		if m := codecSuffix.FindStringSubmatch(desc); m != nil {
			enc.Codec = m[1]
			desc = strings.TrimSpace(strings.TrimSuffix(desc, m[0]))
		}
		enc.LongName = desc
		encoders = append(encoders, enc)
	}
	return encoders
}

var (
	codecSuffix = regexp.MustCompile(`\(codec ([^)\s]+)\)$`)
	optionLine  = regexp.MustCompile(`^\s{1,3}-(\S+)\s+<([^>]+)>\s+\S+\s*(.*)$`)
	valueLine   = regexp.MustCompile(`^\s{4,}(\S+)\s+(-?[0-9.]+|\S+)?\s+[E.][D.][F.]?[V.][A.][S.]\S*\s*(.*)$`)
	defaultTail = regexp.MustCompile(`\(default (.*)\)\s*$`)
)

// parseEncoderHelp fills enc's option list from `ffmpeg -h encoder=<name>`
// and appends the generic options for the encoder's stream kind.
func parseEncoderHelp(enc Encoder, out []byte) Encoder {
	enc.Options = nil
	var current *EncoderOption

	flush := func() {
		if current != nil {
			enc.Options = append(enc.Options, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)

		switch {
		case strings.HasPrefix(trimmed, "Supported pixel formats:"):
			enc.PixelFormats = strings.Fields(strings.TrimPrefix(trimmed, "Supported pixel formats:"))
			continue
		case strings.HasPrefix(trimmed, "Supported sample rates:"):
			enc.SampleRates = strings.Fields(strings.TrimPrefix(trimmed, "Supported sample rates:"))
			continue
		}

		if m := optionLine.FindStringSubmatch(raw); m != nil {
			flush()
			opt := EncoderOption{Name: m[1], Type: m[2]}
			help := m[3]
			if d := defaultTail.FindStringSubmatch(help); d != nil {
				opt.Default = strings.Trim(d[1], `"`)
				help = strings.TrimSpace(strings.TrimSuffix(help, d[0]))
			}
			opt.Help = help
			current = &opt
			continue
		}

		if current != nil {
			if m := valueLine.FindStringSubmatch(raw); m != nil {
				current.Values = append(current.Values, OptionValue{
					Name:  m[1],
					Value: m[2],
					Help:  strings.TrimSpace(m[3]),
				})
				continue
			}
		}
		if trimmed == "" || strings.HasSuffix(trimmed, "AVOptions:") {
			flush()
		}
	}
	flush()

	var generic []EncoderOption
	switch enc.Kind {
	case StreamVideo:
		generic = genericVideoOptions
	case StreamAudio:
		generic = genericAudioOptions
	}
	for _, g := range generic {
		if !enc.HasOption(g.Name) {
			enc.Options = append(enc.Options, g)
		}
	}
	return enc
}

// Package media holds the imported media library: items, their kinds and
// lazily computed overviews.
package media

import (
	"path/filepath"
	"strings"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// Kind is the closed set of media types an item can have.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindImage
	KindAudio
	KindText
	KindSubtitle
	KindImageSequence
)

// Legacy type numbers stored in project documents. They were OR-able flags;
// only video|image has a meaning of its own.
const (
	codeVideo    = 1
	codeAudio    = 2
	codeImage    = 4
	codeText     = 8
	codeSubtitle = 16
)

// KindFromCode decodes a persisted type number.
func KindFromCode(code int) Kind {
	switch {
	case code <= 0:
		return KindUnknown
	case code&codeVideo != 0 && code&codeImage != 0:
		return KindImageSequence
	case code&codeVideo != 0:
		return KindVideo
	case code&codeImage != 0:
		return KindImage
	case code&codeAudio != 0:
		return KindAudio
	case code&codeSubtitle != 0:
		return KindSubtitle
	case code&codeText != 0:
		return KindText
	}
	return KindUnknown
}

// Code encodes k as a persisted type number.
func (k Kind) Code() int {
	switch k {
	case KindVideo:
		return codeVideo
	case KindImage:
		return codeImage
	case KindAudio:
		return codeAudio
	case KindText:
		return codeText
	case KindSubtitle:
		return codeSubtitle
	case KindImageSequence:
		return codeVideo | codeImage
	}
	return 0
}

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindSubtitle:
		return "subtitle"
	case KindImageSequence:
		return "image_sequence"
	}
	return "unknown"
}

// ParseKind is the inverse of String.
func ParseKind(s string) Kind {
	for k := KindVideo; k <= KindImageSequence; k++ {
		if k.String() == strings.ToLower(strings.TrimSpace(s)) {
			return k
		}
	}
	return KindUnknown
}

// HasVideo reports whether the kind produces pictures.
func (k Kind) HasVideo() bool {
	return k == KindVideo || k == KindImage || k == KindImageSequence
}

// HasAudio reports whether the kind can carry sound.
func (k Kind) HasAudio() bool {
	return k == KindVideo || k == KindAudio
}

// IsVisual reports whether the kind is drawn on the picture, including
// rendered text and subtitles.
func (k Kind) IsVisual() bool {
	return k.HasVideo() || k == KindText || k == KindSubtitle
}

// IsStill reports whether the kind is a single picture with no duration.
func (k Kind) IsStill() bool {
	return k == KindImage || k == KindText
}

var extensionKinds = map[string]Kind{
	"mp4": KindVideo, "mov": KindVideo, "mkv": KindVideo, "avi": KindVideo,
	"webm": KindVideo, "m4v": KindVideo, "mpg": KindVideo, "mpeg": KindVideo,
	"ts": KindVideo, "mts": KindVideo, "flv": KindVideo, "wmv": KindVideo,

	"mp3": KindAudio, "wav": KindAudio, "flac": KindAudio, "aac": KindAudio,
	"ogg": KindAudio, "m4a": KindAudio, "opus": KindAudio, "wma": KindAudio,

	"png": KindImage, "jpg": KindImage, "jpeg": KindImage, "bmp": KindImage,
	"gif": KindImage, "webp": KindImage, "tif": KindImage, "tiff": KindImage,

	"txt": KindText,

	"srt": KindSubtitle, "ass": KindSubtitle, "ssa": KindSubtitle, "vtt": KindSubtitle,
}

// KindFromPath resolves a kind from the file extension. Image paths with a
// printf frame pattern (img_%04d.png) are image sequences.
func KindFromPath(path string) Kind {
	k, ok := extensionKinds[util.GetExtension(path)]
	if !ok {
		return KindUnknown
	}
	if k == KindImage && strings.Contains(filepath.Base(path), "%") {
		return KindImageSequence
	}
	return k
}

package env

import (
	"context"
	"path/filepath"
	"strings"
)

// renderNodeGlob matches DRM render nodes used by VAAPI.
var renderNodeGlob = "/dev/dri/renderD*"

// HWAccelLister enumerates hardware acceleration methods. *ffmpeg.Executor
// satisfies it.
type HWAccelLister interface {
	HWAccels(ctx context.Context) ([]string, error)
}

// Hardware is the result of the environment scan.
type Hardware struct {
	RenderNodes []string
	HWAccels    []string
}

// ScanHardware looks for render nodes and asks the backend which
// acceleration methods it was built with. lister may be nil.
func ScanHardware(ctx context.Context, lister HWAccelLister) (Hardware, error) {
	var hw Hardware
	hw.RenderNodes, _ = filepath.Glob(renderNodeGlob)

	if lister != nil {
		accels, err := lister.HWAccels(ctx)
		if err != nil {
			return hw, err
		}
		hw.HWAccels = accels
	}
	return hw, nil
}

// HasAccel reports whether the backend offers method (e.g. "vaapi", "cuda").
func (h Hardware) HasAccel(method string) bool {
	for _, m := range h.HWAccels {
		if m == method {
			return true
		}
	}
	return false
}

// HasVAAPI reports whether a render node exists and ffmpeg supports vaapi.
func (h Hardware) HasVAAPI() bool {
	return len(h.RenderNodes) > 0 && h.HasAccel("vaapi")
}

// AccelFamily returns the acceleration family of a well-known hardware
// encoder name, or "" for software encoders.
func AccelFamily(encoder string) string {
	switch {
	case strings.HasSuffix(encoder, "_nvenc"):
		return "cuda"
	case strings.HasSuffix(encoder, "_vaapi"):
		return "vaapi"
	case strings.HasSuffix(encoder, "_qsv"):
		return "qsv"
	case strings.HasSuffix(encoder, "_videotoolbox"):
		return "videotoolbox"
	case strings.HasSuffix(encoder, "_amf"):
		return "amf"
	}
	return ""
}

// SupportsEncoder reports whether a hardware encoder can run here. Software
// encoders always can. amf is Windows only and has no hwaccel entry; it is
// trusted when listed by the backend.
func (h Hardware) SupportsEncoder(encoder string) bool {
	switch family := AccelFamily(encoder); family {
	case "":
		return true
	case "vaapi":
		return h.HasVAAPI()
	case "amf":
		return true
	default:
		return h.HasAccel(family)
	}
}

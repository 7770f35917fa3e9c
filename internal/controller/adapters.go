package controller

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/config"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/media"
	"github.com/kikiluvv/slopedit/internal/timeline"
)

// mediaResolver answers the session's media lookups from the catalog.
type mediaResolver struct {
	catalog *media.Catalog
}

// NewMediaResolver returns a timeline.MediaResolver over catalog. Invalid
// items are reported as unavailable.
func NewMediaResolver(catalog *media.Catalog) timeline.MediaResolver {
	return mediaResolver{catalog: catalog}
}

func (r mediaResolver) MediaInfo(id int64) (timeline.MediaInfo, bool) {
	it, ok := r.catalog.Get(id)
	if !ok || !it.Valid {
		return timeline.MediaInfo{}, false
	}
	return timeline.MediaInfo{
		Path:     it.Resolved,
		Still:    it.Kind.IsStill(),
		HasVideo: it.Kind.HasVideo(),
		HasAudio: it.Kind.HasAudio(),
	}, true
}

// Grabber decodes single frames. *ffmpeg.Executor satisfies it.
type Grabber interface {
	Thumbnail(ctx context.Context, path string, at time.Duration, width uint) (image.Image, error)
}

type frameKey struct {
	id            int64
	at            time.Duration
	width, height int
}

// frameSource decodes preview pictures through the grabber. A still cursor
// asks for the same frame every refresh, so the last one is kept.
type frameSource struct {
	catalog *media.Catalog
	grabber Grabber

	mu   sync.Mutex
	last frameKey
	img  image.Image
}

// NewFrameSource returns a timeline.FrameSource decoding catalog items with g.
func NewFrameSource(catalog *media.Catalog, g Grabber) timeline.FrameSource {
	return &frameSource{catalog: catalog, grabber: g}
}

func (fs *frameSource) Frame(ctx context.Context, mediaID int64, at time.Duration, width, height int) (image.Image, error) {
	it, ok := fs.catalog.Get(mediaID)
	if !ok {
		return nil, fmt.Errorf("media %d: %w", mediaID, media.ErrNotFound)
	}
	if !it.Valid {
		return nil, &media.MissingError{ID: it.ID, Name: it.Name, Path: it.Path, Reason: it.Problem}
	}
	if it.Kind.IsStill() {
		at = 0
	}

	key := frameKey{id: mediaID, at: at, width: width, height: height}
	fs.mu.Lock()
	if fs.img != nil && fs.last == key {
		img := fs.img
		fs.mu.Unlock()
		return img, nil
	}
	fs.mu.Unlock()

	img, err := fs.grabber.Thumbnail(ctx, it.Resolved, at, uint(width))
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.last, fs.img = key, img
	fs.mu.Unlock()
	return img, nil
}

// NewSession builds the live session with the catalog-backed resolver and,
// when an executor is available, frame decoding and export.
func NewSession(logger zerolog.Logger, settings timeline.Settings, catalog *media.Catalog, exec *ffmpeg.Executor) *timeline.Session {
	opts := []timeline.Option{timeline.WithMediaResolver(NewMediaResolver(catalog))}
	if exec != nil {
		opts = append(opts,
			timeline.WithFrameSource(NewFrameSource(catalog, exec)),
			timeline.WithExporter(exec),
		)
	}
	return timeline.New(logger, settings, opts...)
}

// ExportParams builds encoder parameters from the stored video and audio
// sections. Unset sizes and rates are filled in by the job from the session.
func ExportParams(cfg config.Config) (ffmpeg.VideoParams, ffmpeg.AudioParams) {
	v := ffmpeg.VideoParams{
		Codec:   cfg.Video.Codec,
		Bitrate: cfg.Video.Bitrate,
		GOPSize: cfg.Video.GOPSize,
		BFrames: cfg.Video.BFrames,
	}
	for _, kv := range cfg.Video.Options {
		v.Options = append(v.Options, ffmpeg.KeyValue{Key: kv.Key, Value: kv.Value})
	}
	a := ffmpeg.AudioParams{
		Codec:   cfg.Audio.Codec,
		Bitrate: cfg.Audio.Bitrate,
	}
	return v, a
}

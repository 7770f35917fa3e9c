package timeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/frame"
	"github.com/kikiluvv/slopedit/pkg/util"
)

var (
	ErrNoExporter    = errors.New("no encoder backend")
	ErrNotConfigured = errors.New("encoder not configured")
	ErrEncoding      = errors.New("encode already running")
)

// FrameSource decodes one picture of a media item.
type FrameSource interface {
	Frame(ctx context.Context, mediaID int64, at time.Duration, width, height int) (image.Image, error)
}

// MediaInfo is what export needs to know about a clip's media.
type MediaInfo struct {
	Path     string
	Still    bool
	HasVideo bool
	HasAudio bool
}

// MediaResolver maps media ids to usable files. ok is false for unknown or
// broken items.
type MediaResolver interface {
	MediaInfo(id int64) (MediaInfo, bool)
}

// Exporter is the encoder backend.
type Exporter interface {
	FindEncoder(ctx context.Context, hint string) ([]ffmpeg.Encoder, error)
	Export(ctx context.Context, plan ffmpeg.ExportPlan, onProgress func(float64)) error
}

type encoderState struct {
	mu         sync.Mutex
	configured bool
	output     string
	video      ffmpeg.VideoParams
	audio      ffmpeg.AudioParams
	cancel     context.CancelFunc
}

// ClipAt returns the topmost visible clip at t and the matching source time.
// Later video tracks are drawn over earlier ones.
func (s *Session) ClipAt(t time.Duration) (Clip, time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.tracks) - 1; i >= 0; i-- {
		tr := s.tracks[i]
		if tr.Kind != TrackVideo || tr.Muted {
			continue
		}
		for j := len(tr.Clips) - 1; j >= 0; j-- {
			c := tr.Clips[j]
			if c.Contains(t) {
				return c, c.In + (t - c.Start), true
			}
		}
	}
	return Clip{}, 0, false
}

// Frame composes the picture at t, snapped to the frame grid. Gaps render
// black.
func (s *Session) Frame(ctx context.Context, t time.Duration) (frame.Frame, error) {
	st := s.Settings()
	pts := util.SnapToFrame(t, st.FrameRate.FrameDuration())

	clip, src, ok := s.ClipAt(pts)
	if !ok || s.frames == nil {
		return frame.Frame{PTS: pts, Image: blank(st.Width, st.Height)}, nil
	}
	img, err := s.frames.Frame(ctx, clip.MediaID, src, st.Width, st.Height)
	if err != nil {
		return frame.Frame{PTS: pts}, fmt.Errorf("frame at %s (clip %d): %w", pts, clip.ID, err)
	}
	return frame.Frame{PTS: pts, Image: img}, nil
}

func blank(w, h int) image.Image {
	if w <= 0 || h <= 0 {
		w, h = 16, 9
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)
	return img
}

// FindEncoder lists the backend encoders matching hint.
func (s *Session) FindEncoder(ctx context.Context, hint string) ([]ffmpeg.Encoder, error) {
	if s.exporter == nil {
		return nil, ErrNoExporter
	}
	return s.exporter.FindEncoder(ctx, hint)
}

// ConfigEncoder stores the validated encoder parameters for the next Encode.
func (s *Session) ConfigEncoder(output string, video ffmpeg.VideoParams, audio ffmpeg.AudioParams) error {
	if s.exporter == nil {
		return ErrNoExporter
	}
	if output == "" {
		return fmt.Errorf("output path is required")
	}
	s.enc.mu.Lock()
	defer s.enc.mu.Unlock()
	if s.enc.cancel != nil {
		return ErrEncoding
	}
	s.enc.configured = true
	s.enc.output = output
	s.enc.video = video
	s.enc.audio = audio
	return nil
}

// Encode runs the configured export and blocks until it ends.
func (s *Session) Encode(ctx context.Context, onProgress func(float64)) error {
	s.enc.mu.Lock()
	if !s.enc.configured {
		s.enc.mu.Unlock()
		return ErrNotConfigured
	}
	if s.enc.cancel != nil {
		s.enc.mu.Unlock()
		return ErrEncoding
	}
	plan, err := s.ExportPlan(s.enc.output, s.enc.video, s.enc.audio)
	if err != nil {
		s.enc.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.enc.cancel = cancel
	s.enc.mu.Unlock()

	defer func() {
		s.enc.mu.Lock()
		s.enc.cancel = nil
		s.enc.mu.Unlock()
		cancel()
	}()

	s.logger.Info().Str("output", plan.Output).Dur("duration", plan.Duration()).Msg("encode started")
	return s.exporter.Export(ctx, plan, onProgress)
}

// StopEncoding cancels a running encode, drops the configuration and clears
// the encode preview.
func (s *Session) StopEncoding() {
	s.enc.mu.Lock()
	if s.enc.cancel != nil {
		s.enc.cancel()
	}
	s.enc.configured = false
	s.enc.mu.Unlock()
	s.encodePreview.Clear()
}

// EncodeDuration is the length of what Encode would render.
func (s *Session) EncodeDuration() time.Duration {
	in, out := s.exportWindow()
	return out - in
}

func (s *Session) exportWindow() (time.Duration, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasMarks {
		out := s.markOut
		if d := s.durationLocked(); out > d {
			out = d
		}
		if out < s.markIn {
			out = s.markIn
		}
		return s.markIn, out
	}
	return 0, s.durationLocked()
}

// ExportPlan builds the render plan for the primary video track, scoped to
// the marks when set. Where clips overlap the earlier clip is cut at the
// start of the later one. Gaps on the track, including the tail up to the
// timeline end, become blank segments so the plan always spans
// EncodeDuration.
func (s *Session) ExportPlan(output string, video ffmpeg.VideoParams, audio ffmpeg.AudioParams) (ffmpeg.ExportPlan, error) {
	if s.resolver == nil {
		return ffmpeg.ExportPlan{}, fmt.Errorf("no media resolver")
	}
	winIn, winOut := s.exportWindow()

	s.mu.RLock()
	primary := s.primaryTrackLocked(TrackVideo)
	subs := s.primaryTrackLocked(TrackSubtitle)
	var clips []Clip
	var subClip *Clip
	trackID := 0
	if primary != nil {
		clips = append(clips, primary.Clips...)
		trackID = primary.ID
	}
	if subs != nil {
		c := subs.Clips[0]
		subClip = &c
	}
	s.mu.RUnlock()

	if primary == nil {
		return ffmpeg.ExportPlan{}, fmt.Errorf("no video track to export")
	}

	plan := ffmpeg.ExportPlan{Output: output, Video: video, Audio: audio}
	pos, sources := winIn, 0
	for i, c := range clips {
		start, end := c.Start, c.End()
		if i+1 < len(clips) && clips[i+1].Start < end {
			end = clips[i+1].Start
		}
		if start < winIn {
			start = winIn
		}
		if end > winOut {
			end = winOut
		}
		if end <= start {
			continue
		}
		info, ok := s.resolver.MediaInfo(c.MediaID)
		if !ok {
			return ffmpeg.ExportPlan{}, fmt.Errorf("clip %d: media %d is not available", c.ID, c.MediaID)
		}
		if start > pos {
			plan.Segments = append(plan.Segments, ffmpeg.Segment{Out: start - pos, Blank: true})
		}
		plan.Segments = append(plan.Segments, ffmpeg.Segment{
			Path:     info.Path,
			In:       c.In + (start - c.Start),
			Out:      c.In + (end - c.Start),
			Still:    info.Still,
			HasAudio: info.HasAudio,
		})
		pos = end
		sources++
	}
	switch {
	case sources == 0:
		// nothing but black; Validate reports it
		plan.Segments = nil
	case winOut > pos:
		plan.Segments = append(plan.Segments, ffmpeg.Segment{Out: winOut - pos, Blank: true})
	}

	if subClip != nil {
		if info, ok := s.resolver.MediaInfo(subClip.MediaID); ok {
			plan.Subtitles = info.Path
		}
	}

	trackFilter, _ := s.AudioFilter(trackID)
	plan.AudioFilter = joinFilters(trackFilter, s.MasterFilter())
	return plan, nil
}

func (s *Session) primaryTrackLocked(kind TrackKind) *track {
	for _, t := range s.tracks {
		if t.Kind == kind && !t.Muted && len(t.Clips) > 0 {
			return t
		}
	}
	return nil
}

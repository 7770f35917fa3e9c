package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopedit/internal/dsp"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/frame"
	"github.com/kikiluvv/slopedit/pkg/util"
)

var testSettings = Settings{
	Width:       640,
	Height:      360,
	FrameRate:   util.Rational{Num: 25, Den: 1},
	Channels:    2,
	SampleRate:  48000,
	AudioFormat: "fltp",
}

type resolver map[int64]MediaInfo

func (r resolver) MediaInfo(id int64) (MediaInfo, bool) {
	info, ok := r[id]
	return info, ok
}

func newSession(opts ...Option) *Session {
	return New(zerolog.New(io.Discard), testSettings, opts...)
}

func sec(n float64) time.Duration { return time.Duration(n * float64(time.Second)) }

func TestSession_ClipsAndOverlaps(t *testing.T) {
	s := newSession()
	v, err := s.AddTrack(TrackVideo, "")
	require.NoError(t, err)

	a, err := s.AddClip(v, 1, 0, 0, sec(4))
	require.NoError(t, err)
	b, err := s.AddClip(v, 2, sec(3), sec(1), sec(6))
	require.NoError(t, err)

	assert.Equal(t, sec(8), s.Duration())
	assert.Equal(t, []Overlap{{Track: v, Left: a.ID, Right: b.ID, Start: sec(3), End: sec(4)}}, s.Overlaps())

	assert.True(t, s.References(1))
	assert.False(t, s.References(3))
	assert.Equal(t, []int64{1, 2}, s.MediaIDs())

	_, err = s.AddClip(v, 1, 0, sec(2), sec(1))
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = s.AddClip(99, 1, 0, 0, sec(1))
	assert.ErrorIs(t, err, ErrTrackNotFound)

	require.NoError(t, s.MoveClip(b.ID, sec(4)))
	assert.Empty(t, s.Overlaps())

	require.NoError(t, s.RemoveClip(a.ID))
	assert.ErrorIs(t, s.RemoveClip(a.ID), ErrClipNotFound)
	assert.False(t, s.References(1))
}

func TestSession_SplitAndTrim(t *testing.T) {
	s := newSession()
	v, _ := s.AddTrack(TrackVideo, "V1")
	c, err := s.AddClip(v, 7, sec(2), sec(10), sec(20))
	require.NoError(t, err)

	left, right, err := s.SplitClip(c.ID, sec(5))
	require.NoError(t, err)
	assert.Equal(t, Clip{ID: c.ID, MediaID: 7, Start: sec(2), In: sec(10), Out: sec(13)}, left)
	assert.Equal(t, sec(5), right.Start)
	assert.Equal(t, sec(13), right.In)
	assert.Equal(t, sec(20), right.Out)
	assert.Equal(t, sec(12), s.Duration())

	_, _, err = s.SplitClip(c.ID, sec(2))
	assert.ErrorIs(t, err, ErrInvalidRange)

	trimmed, err := s.TrimClip(right.ID, sec(13), sec(15))
	require.NoError(t, err)
	assert.Equal(t, sec(7), trimmed.End())
}

func TestSession_LoadingRejectsEdits(t *testing.T) {
	s := newSession()
	v, _ := s.AddTrack(TrackVideo, "")
	c, _ := s.AddClip(v, 1, 0, 0, sec(1))

	s.SetLoading(true)
	_, err := s.AddTrack(TrackAudio, "")
	assert.ErrorIs(t, err, ErrLoading)
	_, err = s.AddClip(v, 1, 0, 0, sec(1))
	assert.ErrorIs(t, err, ErrLoading)
	assert.ErrorIs(t, s.RemoveClip(c.ID), ErrLoading)
	assert.ErrorIs(t, s.RemoveTrack(v), ErrLoading)

	require.NoError(t, s.LoadTimeline(nil), "the loader itself is not blocked")

	s.SetLoading(false)
	_, err = s.AddTrack(TrackAudio, "")
	assert.NoError(t, err)
}

func TestSession_SeekClampsAndMarks(t *testing.T) {
	s := newSession()
	v, _ := s.AddTrack(TrackVideo, "")
	_, _ = s.AddClip(v, 1, 0, 0, sec(10))

	assert.Equal(t, sec(10), s.Seek(sec(30)))
	assert.Equal(t, time.Duration(0), s.Seek(-sec(1)))
	assert.Equal(t, sec(4), s.Seek(sec(4)))
	assert.Equal(t, sec(4), s.CurrentTime())
	assert.Equal(t, 40*time.Millisecond, s.FrameDuration())

	assert.Error(t, s.SetMarks(sec(5), sec(5)))
	require.NoError(t, s.SetMarks(sec(2), sec(6)))
	in, out, ok := s.Marks()
	assert.True(t, ok)
	assert.Equal(t, sec(2), in)
	assert.Equal(t, sec(6), out)
	assert.Equal(t, sec(4), s.EncodeDuration())

	s.ClearMarks()
	assert.Equal(t, sec(10), s.EncodeDuration())
}

func TestSession_TimelineRoundTrip(t *testing.T) {
	s := newSession()
	v, _ := s.AddTrack(TrackVideo, "Main")
	a, _ := s.AddTrack(TrackAudio, "Music")
	_, _ = s.AddClip(v, 3, 0, 0, sec(4))
	_, _ = s.AddClip(v, 4, sec(3), 0, sec(2))
	_, _ = s.AddClip(a, 5, sec(1), sec(2), sec(9))
	require.NoError(t, s.SetMuted(a, true))
	require.NoError(t, s.SetMarks(sec(1), sec(3)))
	s.Seek(sec(2))

	chain, ok := s.TrackChain(a)
	require.True(t, ok)
	require.NoError(t, chain.SetBand(2, -4.5))
	require.NoError(t, chain.SetCompressor(dsp.Dynamics{Threshold: -18, Range: 1, Ratio: 3, Attack: 0.01, Release: 0.2, Knee: 2, Makeup: 1.2}))
	require.NoError(t, s.MasterChain().SetVolume(0.8))

	data, err := s.SaveTimeline()
	require.NoError(t, err)

	loaded := newSession()
	require.NoError(t, loaded.LoadTimeline(data))
	again, err := loaded.SaveTimeline()
	require.NoError(t, err)

	var want, got Document
	require.NoError(t, json.Unmarshal(data, &want))
	require.NoError(t, json.Unmarshal(again, &got))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("timeline round trip mismatch (-want +got):\n%s", diff)
	}

	// ids continue after the loaded ones
	next, err := loaded.AddTrack(TrackVideo, "")
	require.NoError(t, err)
	assert.Equal(t, a+1, next)
}

func TestSession_LoadTimelineErrors(t *testing.T) {
	s := newSession()
	v, _ := s.AddTrack(TrackVideo, "")
	_, _ = s.AddClip(v, 1, 0, 0, sec(1))

	tests := map[string]string{
		"syntax":       `{"tracks": [`,
		"kind":         `{"tracks":[{"id":1,"kind":"hologram"}]}`,
		"dup track":    `{"tracks":[{"id":1,"kind":"video"},{"id":1,"kind":"audio"}]}`,
		"bad range":    `{"tracks":[{"id":1,"kind":"video","clips":[{"id":1,"media_id":1,"start":0,"in":5,"out":5}]}]}`,
		"bad dsp":      `{"tracks":[{"id":1,"kind":"audio","audio":{"volume":-2}}]}`,
		"dup clip ids": `{"tracks":[{"id":1,"kind":"video","clips":[{"id":1,"media_id":1,"out":1},{"id":1,"media_id":1,"out":1}]}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.LoadTimeline([]byte(doc)))
			assert.Len(t, s.Tracks(), 1, "failed load must not touch the session")
		})
	}
}

func TestSession_DecodeTimelineDefersApply(t *testing.T) {
	s := newSession()
	v, _ := s.AddTrack(TrackVideo, "")
	_, _ = s.AddClip(v, 1, 0, 0, sec(1))

	loaded, err := s.DecodeTimeline([]byte(`{"tracks":[{"id":4,"kind":"audio","clips":[{"id":2,"media_id":7,"start":0,"in":0,"out":1000000000},{"id":3,"media_id":5,"start":1000000000,"in":0,"out":1000000000}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 7}, loaded.MediaIDs())
	assert.Equal(t, []int64{1}, s.MediaIDs(), "decoding leaves the session alone")

	s.ApplyTimeline(loaded)
	assert.Equal(t, []int64{5, 7}, s.MediaIDs())
	require.Len(t, s.Tracks(), 1)
	assert.Equal(t, 4, s.Tracks()[0].ID)
}

func TestSession_LoadTimelineTakesSettings(t *testing.T) {
	s := newSession()
	doc := `{"settings":{"width":1280,"height":720,"frame_rate":{"num":30000,"den":1001},"channels":1,"sample_rate":22050,"audio_format":"s16"},"tracks":[]}`
	require.NoError(t, s.LoadTimeline([]byte(doc)))

	st := s.Settings()
	assert.Equal(t, 1280, st.Width)
	assert.Equal(t, util.Rational{Num: 30000, Den: 1001}, st.FrameRate)
	assert.Equal(t, 22050, st.SampleRate)
	assert.Equal(t, 22050, s.MasterChain().SampleRate())
}

func TestSession_ExportPlan(t *testing.T) {
	res := resolver{
		1: {Path: "/m/a.mp4", HasVideo: true, HasAudio: true},
		2: {Path: "/m/b.png", HasVideo: true, Still: true},
		9: {Path: "/m/subs.srt"},
	}
	s := newSession(WithMediaResolver(res))
	v, _ := s.AddTrack(TrackVideo, "")
	sub, _ := s.AddTrack(TrackSubtitle, "")
	_, _ = s.AddClip(v, 1, 0, sec(10), sec(14))
	_, _ = s.AddClip(v, 2, sec(3), 0, sec(2))
	_, _ = s.AddClip(sub, 9, 0, 0, sec(5))
	require.NoError(t, s.MasterChain().SetVolume(0.5))

	plan, err := s.ExportPlan("/out.mp4", ffmpeg.VideoParams{Width: 640, Height: 360}, ffmpeg.AudioParams{})
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, []ffmpeg.Segment{
		{Path: "/m/a.mp4", In: sec(10), Out: sec(13), HasAudio: true},
		{Path: "/m/b.png", In: 0, Out: sec(2), Still: true},
	}, plan.Segments)
	assert.Equal(t, "/m/subs.srt", plan.Subtitles)
	assert.Equal(t, "volume=0.500000", plan.AudioFilter)
	assert.Equal(t, sec(5), plan.Duration())

	require.NoError(t, s.SetMarks(sec(1), sec(4)))
	plan, err = s.ExportPlan("/out.mp4", ffmpeg.VideoParams{Width: 640, Height: 360}, ffmpeg.AudioParams{})
	require.NoError(t, err)
	assert.Equal(t, []ffmpeg.Segment{
		{Path: "/m/a.mp4", In: sec(11), Out: sec(13), HasAudio: true},
		{Path: "/m/b.png", In: 0, Out: sec(1), Still: true},
	}, plan.Segments)

	delete(res, 2)
	_, err = s.ExportPlan("/out.mp4", ffmpeg.VideoParams{}, ffmpeg.AudioParams{})
	assert.Error(t, err)
}

func TestSession_ExportPlanFillsGaps(t *testing.T) {
	res := resolver{1: {Path: "/m/a.mp4", HasVideo: true, HasAudio: true}}
	s := newSession(WithMediaResolver(res))
	v, _ := s.AddTrack(TrackVideo, "")
	a, _ := s.AddTrack(TrackAudio, "")
	_, _ = s.AddClip(v, 1, 0, 0, sec(2))
	_, _ = s.AddClip(v, 1, sec(5), sec(3), sec(5))
	_, _ = s.AddClip(a, 1, 0, 0, sec(8))

	plan, err := s.ExportPlan("/out.mp4", ffmpeg.VideoParams{Width: 640, Height: 360}, ffmpeg.AudioParams{})
	require.NoError(t, err)
	require.NoError(t, plan.Validate())
	assert.Equal(t, []ffmpeg.Segment{
		{Path: "/m/a.mp4", In: 0, Out: sec(2), HasAudio: true},
		{Out: sec(3), Blank: true},
		{Path: "/m/a.mp4", In: sec(3), Out: sec(5), HasAudio: true},
		{Out: sec(1), Blank: true},
	}, plan.Segments)
	assert.Equal(t, s.EncodeDuration(), plan.Duration())

	require.NoError(t, s.SetMarks(sec(1), sec(6)))
	plan, err = s.ExportPlan("/out.mp4", ffmpeg.VideoParams{Width: 640, Height: 360}, ffmpeg.AudioParams{})
	require.NoError(t, err)
	assert.Equal(t, []ffmpeg.Segment{
		{Path: "/m/a.mp4", In: sec(1), Out: sec(2), HasAudio: true},
		{Out: sec(3), Blank: true},
		{Path: "/m/a.mp4", In: sec(3), Out: sec(4), HasAudio: true},
	}, plan.Segments)
	assert.Equal(t, s.EncodeDuration(), plan.Duration())

	require.NoError(t, s.SetMarks(sec(2), sec(5)))
	plan, err = s.ExportPlan("/out.mp4", ffmpeg.VideoParams{Width: 640, Height: 360}, ffmpeg.AudioParams{})
	require.NoError(t, err)
	assert.Empty(t, plan.Segments)
	assert.Error(t, plan.Validate(), "a window with no media has nothing to export")
}

func TestAudioFilter(t *testing.T) {
	assert.Empty(t, audioFilter(dsp.DefaultParams()))

	p := dsp.DefaultParams()
	p.Pan = dsp.Pan{X: -0.5}
	p.EQ[5] = 3
	p.Limiter = dsp.Dynamics{Threshold: -6, Range: 1, Ratio: 1, Release: 0.05, Makeup: 1}
	got := audioFilter(p)
	assert.Contains(t, got, "pan=stereo|c0=1.000000*c0|c1=0.500000*c1")
	assert.Contains(t, got, "equalizer=f=1000:t=q:w=1.41:g=3")
	assert.Contains(t, got, "alimiter=limit=0.501187")
	assert.NotContains(t, got, "agate")
	assert.NotContains(t, got, "acompressor")
}

type fakeFrames struct {
	calls []time.Duration
}

func (f *fakeFrames) Frame(_ context.Context, _ int64, at time.Duration, w, h int) (image.Image, error) {
	f.calls = append(f.calls, at)
	return image.NewRGBA(image.Rect(0, 0, w, h)), nil
}

func TestSession_Frame(t *testing.T) {
	src := &fakeFrames{}
	s := newSession(WithFrameSource(src))
	v1, _ := s.AddTrack(TrackVideo, "")
	v2, _ := s.AddTrack(TrackVideo, "")
	_, _ = s.AddClip(v1, 1, 0, sec(5), sec(15))
	_, _ = s.AddClip(v2, 2, sec(4), 0, sec(1))

	f, err := s.Frame(context.Background(), sec(1)+10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, sec(1), f.PTS, "snapped to the 40ms grid")
	assert.Equal(t, image.Rect(0, 0, 640, 360), f.Image.Bounds())

	_, err = s.Frame(context.Background(), 4*time.Second+600*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{sec(6), 600 * time.Millisecond}, src.calls, "upper track wins")

	f, err = s.Frame(context.Background(), sec(12))
	require.NoError(t, err)
	assert.NotNil(t, f.Image, "gaps render black")
	assert.Len(t, src.calls, 2)
}

type fakeExporter struct {
	plans   chan ffmpeg.ExportPlan
	release chan struct{}
}

func (f *fakeExporter) FindEncoder(context.Context, string) ([]ffmpeg.Encoder, error) {
	return []ffmpeg.Encoder{{Name: "libx264", Kind: ffmpeg.StreamVideo}}, nil
}

func (f *fakeExporter) Export(ctx context.Context, plan ffmpeg.ExportPlan, onProgress func(float64)) error {
	f.plans <- plan
	onProgress(0.5)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.release:
		onProgress(1)
		return nil
	}
}

func TestSession_EncoderLifecycle(t *testing.T) {
	exp := &fakeExporter{plans: make(chan ffmpeg.ExportPlan, 1), release: make(chan struct{})}
	s := newSession(WithExporter(exp), WithMediaResolver(resolver{1: {Path: "a.mp4", HasVideo: true}}))
	v, _ := s.AddTrack(TrackVideo, "")
	_, _ = s.AddClip(v, 1, 0, 0, sec(2))

	encs, err := s.FindEncoder(context.Background(), "h264")
	require.NoError(t, err)
	assert.Len(t, encs, 1)

	assert.ErrorIs(t, s.Encode(context.Background(), nil), ErrNotConfigured)
	require.NoError(t, s.ConfigEncoder("out.mp4", ffmpeg.VideoParams{Codec: "libx264", Width: 640, Height: 360}, ffmpeg.AudioParams{}))

	done := make(chan error, 1)
	go func() { done <- s.Encode(context.Background(), func(float64) {}) }()
	plan := <-exp.plans
	assert.Equal(t, "out.mp4", plan.Output)

	s.EncodeSlot().Publish(frame.Frame{PTS: sec(1)})
	s.StopEncoding()
	err = <-done
	assert.True(t, errors.Is(err, context.Canceled))
	_, _, ok := s.EncodeSlot().Latest()
	assert.False(t, ok, "stop clears the encode preview")

	assert.ErrorIs(t, s.Encode(context.Background(), nil), ErrNotConfigured, "stop releases the configuration")
}

func TestSession_NoExporter(t *testing.T) {
	s := newSession()
	_, err := s.FindEncoder(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoExporter)
	assert.ErrorIs(t, s.ConfigEncoder("x.mp4", ffmpeg.VideoParams{}, ffmpeg.AudioParams{}), ErrNoExporter)
}

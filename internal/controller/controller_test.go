package controller

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kikiluvv/slopedit/internal/config"
	"github.com/kikiluvv/slopedit/internal/encode"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/media"
	"github.com/kikiluvv/slopedit/internal/playback"
	"github.com/kikiluvv/slopedit/internal/timeline"
	"github.com/kikiluvv/slopedit/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var nop = zerolog.New(io.Discard)

var x264 = ffmpeg.Encoder{
	Name: "libx264", Codec: "h264", Kind: ffmpeg.StreamVideo,
	Options: []ffmpeg.EncoderOption{{Name: "b"}, {Name: "g"}, {Name: "bf"}},
}

type fakeExporter struct {
	steps   []float64
	block   bool
	started chan struct{}
	once    sync.Once
}

func (e *fakeExporter) FindEncoder(_ context.Context, hint string) ([]ffmpeg.Encoder, error) {
	if hint == "" || hint == x264.Name || hint == x264.Codec {
		return []ffmpeg.Encoder{x264}, nil
	}
	return nil, nil
}

func (e *fakeExporter) Export(ctx context.Context, _ ffmpeg.ExportPlan, onProgress func(float64)) error {
	for _, s := range e.steps {
		onProgress(s)
	}
	if e.started != nil {
		e.once.Do(func() { close(e.started) })
	}
	if e.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

type fixture struct {
	dir  string
	ctrl *Controller
}

func newFixture(t *testing.T, exp *fakeExporter) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Startup.ReadinessPoll = time.Millisecond
	cfg.Startup.ReadinessTimeout = time.Second

	catalog := media.NewCatalog(nop, nil, media.OverviewOptions{})
	opts := []timeline.Option{timeline.WithMediaResolver(NewMediaResolver(catalog))}
	if exp != nil {
		opts = append(opts, timeline.WithExporter(exp))
	}
	session := timeline.New(nop, timeline.Settings{
		Width: 640, Height: 360,
		FrameRate:  util.Rational{Num: 25, Den: 1},
		Channels:   2,
		SampleRate: 48000,
	}, opts...)

	f := &fixture{dir: t.TempDir()}
	f.ctrl = New(Options{
		Logger:  nop,
		Store:   config.NewStore(cfg, ""),
		Catalog: catalog,
		Session: session,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.ctrl.Shutdown(ctx)
	})
	return f
}

func (f *fixture) touch(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	return p
}

// populate builds V1 with a 4s clip at 0 and A1 with a 2s clip at 1s.
func (f *fixture) populate(t *testing.T) (video, audio int, clip timeline.Clip) {
	t.Helper()
	v, err := f.ctrl.Import(f.touch(t, "a.mp4"))
	require.NoError(t, err)
	a, err := f.ctrl.Import(f.touch(t, "b.wav"))
	require.NoError(t, err)

	video, err = f.ctrl.AddTrack(timeline.TrackVideo, "V1")
	require.NoError(t, err)
	audio, err = f.ctrl.AddTrack(timeline.TrackAudio, "A1")
	require.NoError(t, err)
	clip, err = f.ctrl.AddClip(video, v.ID, 0, 0, 4*time.Second)
	require.NoError(t, err)
	_, err = f.ctrl.AddClip(audio, a.ID, time.Second, 0, 2*time.Second)
	require.NoError(t, err)
	return video, audio, clip
}

func TestController_SaveOpenResyncsMixer(t *testing.T) {
	src := newFixture(t, nil)
	_, audio, _ := src.populate(t)
	assert.True(t, src.ctrl.Loader().Dirty())
	require.NoError(t, src.ctrl.Mixer().SetGain(audio, -6))

	path := filepath.Join(src.dir, "cut")
	require.NoError(t, src.ctrl.Save(context.Background(), path))
	assert.False(t, src.ctrl.Loader().Dirty())

	dst := newFixture(t, nil)
	require.NoError(t, dst.ctrl.Open(context.Background(), path+".mep"))
	require.NoError(t, dst.ctrl.Loader().Wait())
	require.NoError(t, dst.ctrl.Tick(context.Background(), time.Now()))

	assert.Equal(t, 2, dst.ctrl.Catalog().Len())
	assert.Equal(t, 4*time.Second, dst.ctrl.Session().Duration())
	assert.Contains(t, dst.ctrl.Mixer().IDs(), audio)
	strip, ok := dst.ctrl.Mixer().Strip(audio)
	require.True(t, ok)
	assert.InDelta(t, -6, strip.GainDB, 0.01)
	assert.False(t, dst.ctrl.Loader().Dirty())

	// the preview renders the loaded timeline on the same tick
	f, fresh, ok := dst.ctrl.Session().PreviewSlot().Latest()
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, time.Duration(0), f.PTS)
}

func TestController_RemoveMedia(t *testing.T) {
	f := newFixture(t, nil)
	f.populate(t)
	spare, err := f.ctrl.Import(f.touch(t, "c.png"))
	require.NoError(t, err)

	require.Equal(t, 3, f.ctrl.Catalog().Len())

	assert.ErrorIs(t, f.ctrl.RemoveMedia(1), media.ErrInUse)
	assert.Equal(t, 3, f.ctrl.Catalog().Len())
	require.NoError(t, f.ctrl.RemoveMedia(spare.ID))
	assert.Equal(t, 2, f.ctrl.Catalog().Len())
	_, ok := f.ctrl.Catalog().Get(spare.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, f.ctrl.RemoveMedia(spare.ID), media.ErrNotFound)
}

func TestController_AddClipUnknownMedia(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.ctrl.AddTrack(timeline.TrackVideo, "V1")
	require.NoError(t, err)
	_, err = f.ctrl.AddClip(v, 42, 0, 0, time.Second)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestController_RejectsEditsWhileLoading(t *testing.T) {
	f := newFixture(t, nil)
	video, _, clip := f.populate(t)

	f.ctrl.Session().SetLoading(true)
	defer f.ctrl.Session().SetLoading(false)

	_, err := f.ctrl.Import(f.touch(t, "c.png"))
	assert.ErrorIs(t, err, timeline.ErrLoading)
	assert.ErrorIs(t, f.ctrl.RemoveMedia(1), timeline.ErrLoading)
	_, err = f.ctrl.AddClip(video, 1, 5*time.Second, 0, time.Second)
	assert.ErrorIs(t, err, timeline.ErrLoading)
	assert.ErrorIs(t, f.ctrl.MoveClip(clip.ID, time.Second), timeline.ErrLoading)
	assert.ErrorIs(t, f.ctrl.SetMarks(0, time.Second), timeline.ErrLoading)
	assert.ErrorIs(t, f.ctrl.Save(context.Background(), filepath.Join(f.dir, "x")), timeline.ErrLoading)
	assert.ErrorIs(t, f.ctrl.StartExport(context.Background()), timeline.ErrLoading)

	// playback does not advance while loading
	f.ctrl.Play(true)
	now := time.Now()
	require.NoError(t, f.ctrl.Tick(context.Background(), now))
	require.NoError(t, f.ctrl.Tick(context.Background(), now.Add(time.Second)))
	assert.Equal(t, time.Duration(0), f.ctrl.Clock().Cursor())
}

func TestController_EditRanges(t *testing.T) {
	f := newFixture(t, nil)
	_, _, clip := f.populate(t)

	assert.ErrorIs(t, f.ctrl.EditClip(999), timeline.ErrClipNotFound)
	assert.ErrorIs(t, f.ctrl.EditOverlap(1, 2), timeline.ErrClipNotFound)

	require.NoError(t, f.ctrl.EditClip(clip.ID))
	assert.Equal(t, playback.Range{Start: 0, End: 4 * time.Second}, f.ctrl.Clock().ActiveRange())
	assert.Equal(t, 4*time.Second, f.ctrl.Seek(9*time.Second, true))

	f.ctrl.ClearEdit()
	assert.Equal(t, 4*time.Second, f.ctrl.Clock().ActiveRange().End)
}

func TestController_ExportLifecycle(t *testing.T) {
	f := newFixture(t, &fakeExporter{steps: []float64{0.25, 0.5, 0.9}})
	f.populate(t)

	encs, err := f.ctrl.Encoders(context.Background(), "h264")
	require.NoError(t, err)
	require.Len(t, encs, 1)

	assert.ErrorIs(t, f.ctrl.ConfigureExport(context.Background(), "out.mp4", ffmpeg.VideoParams{Codec: "libx264"}, ffmpeg.AudioParams{}), encode.ErrNotOpen)
	require.NoError(t, f.ctrl.OpenExport())
	require.NoError(t, f.ctrl.ConfigureExport(context.Background(), filepath.Join(f.dir, "out.mp4"), ffmpeg.VideoParams{Codec: "libx264", Bitrate: -1}, ffmpeg.AudioParams{}))

	f.ctrl.Play(true)
	require.NoError(t, f.ctrl.StartExport(context.Background()))
	assert.False(t, f.ctrl.Clock().Playing())
	require.NoError(t, f.ctrl.WaitExport())

	st := f.ctrl.ExportStatus()
	assert.Equal(t, encode.Finished, st.State)
	assert.Equal(t, 1.0, st.Progress)
	assert.Empty(t, st.Err)
}

func TestController_ShutdownStopsExport(t *testing.T) {
	exp := &fakeExporter{steps: []float64{0.1}, block: true, started: make(chan struct{})}
	f := newFixture(t, exp)
	f.populate(t)

	require.NoError(t, f.ctrl.OpenExport())
	require.NoError(t, f.ctrl.ConfigureExport(context.Background(), filepath.Join(f.dir, "out.mp4"), ffmpeg.VideoParams{Codec: "libx264"}, ffmpeg.AudioParams{}))
	require.NoError(t, f.ctrl.StartExport(context.Background()))
	<-exp.started
	assert.ErrorIs(t, f.ctrl.StartExport(context.Background()), encode.ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.ctrl.Shutdown(ctx))

	assert.Equal(t, encode.Stopped, f.ctrl.ExportStatus().State)
	_, _, ok := f.ctrl.Export().LatestFrame()
	assert.False(t, ok)
}

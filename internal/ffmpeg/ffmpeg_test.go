package ffmpeg

import (
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	skipIfNoFFmpeg(t)
	e, err := New(zerolog.New(os.Stderr).Level(zerolog.WarnLevel), Options{Threads: 2})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	return e
}

// generateTestVideo writes a short test pattern with a sine tone
func generateTestVideo(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test_with_audio.mp4")
	d := strconv.Itoa(seconds)
	cmd := exec.Command("ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "sine=frequency=1000:duration="+d,
		"-f", "lavfi", "-i", "testsrc=duration="+d+":size=320x240:rate=30",
		"-pix_fmt", "yuv420p", "-shortest", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not generate test video: %v: %s", err, out)
	}
	return path
}

func TestParseEncoderList(t *testing.T) {
	out := []byte(`Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 ------
 V....D a64multi             Multicolor charset for Commodore 64 (codec a64_multi)
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
 S..... srt                  SubRip subtitle (codec subrip)
`)

	encoders := parseEncoderList(out)
	require.Len(t, encoders, 5)

	assert.Equal(t, Encoder{Name: "libx264", Codec: "h264", Kind: StreamVideo,
		LongName: "libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10"}, encoders[1])
	assert.Equal(t, "aac", encoders[3].Codec, "codec defaults to the encoder name")
	assert.Equal(t, StreamAudio, encoders[3].Kind)
	assert.Equal(t, StreamSubtitle, encoders[4].Kind)
}

func TestMatchesHint(t *testing.T) {
	x264 := Encoder{Name: "libx264", Codec: "h264", Kind: StreamVideo}
	srt := Encoder{Name: "srt", Codec: "subrip", Kind: StreamSubtitle}

	tests := []struct {
		name string
		enc  Encoder
		hint string
		want bool
	}{
		{"by codec", x264, "h264", true},
		{"by name", x264, "libx264", true},
		{"by kind", x264, "video", true},
		{"case insensitive", x264, "H264", true},
		{"other codec", x264, "hevc", false},
		{"empty matches av", x264, "", true},
		{"empty skips subtitles", srt, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHint(tt.enc, tt.hint); got != tt.want {
				t.Errorf("matchesHint(%s, %q) = %v, want %v", tt.enc.Name, tt.hint, got, tt.want)
			}
		})
	}
}

func TestParseEncoderHelp(t *testing.T) {
	out := []byte(`Encoder libx264 [libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10]:
    General capabilities: dr1 delay threads
    Threading capabilities: other
    Supported pixel formats: yuv420p yuvj420p yuv422p
libx264 AVOptions:
  -preset            <string>     E..V....... Set the encoding preset (cf. x264 --fullhelp) (default "medium")
  -crf               <float>      E..V....... Select the quality for constant quality mode (from -1 to FLT_MAX) (default -1)
  -nal-hrd           <int>        E..V....... Signal HRD information (from -1 to 2) (default -1)
     none            0            E..V.......
     vbr             1            E..V.......
     cbr             2            E..V.......
  -profile           <string>     E..V....... Set profile restrictions (cf. x264 --fullhelp)

`)

	enc := parseEncoderHelp(Encoder{Name: "libx264", Codec: "h264", Kind: StreamVideo}, out)

	assert.Equal(t, []string{"yuv420p", "yuvj420p", "yuv422p"}, enc.PixelFormats)

	preset, ok := enc.Option("preset")
	require.True(t, ok)
	assert.Equal(t, "string", preset.Type)
	assert.Equal(t, "medium", preset.Default)
	assert.Equal(t, "Set the encoding preset (cf. x264 --fullhelp)", preset.Help)

	hrd, ok := enc.Option("nal-hrd")
	require.True(t, ok)
	require.Len(t, hrd.Values, 3)
	assert.Equal(t, OptionValue{Name: "cbr", Value: "2"}, hrd.Values[2])
	assert.True(t, hrd.Accepts("vbr"))
	assert.True(t, hrd.Accepts("1"))
	assert.False(t, hrd.Accepts("abr"))

	profile, ok := enc.Option("profile")
	require.True(t, ok)
	assert.Empty(t, profile.Values)
	assert.True(t, profile.Accepts("anything"))

	// generic options are always present for video encoders
	assert.True(t, enc.HasOption("b"))
	assert.True(t, enc.HasOption("g"))
	assert.True(t, enc.HasOption("bf"))
}

func TestParseEncoderHelp_AudioGenericOptions(t *testing.T) {
	enc := parseEncoderHelp(Encoder{Name: "pcm_s16le", Kind: StreamAudio}, []byte("Encoder pcm_s16le [PCM signed 16-bit little-endian]:\n"))

	assert.True(t, enc.HasOption("b", "ar", "ac"))
	assert.False(t, enc.HasOption("g"))
}

func TestParseHWAccels(t *testing.T) {
	out := []byte("Hardware acceleration methods:\nvdpau\ncuda\nvaapi\n\n")
	assert.Equal(t, []string{"vdpau", "cuda", "vaapi"}, parseHWAccels(out))
	assert.Empty(t, parseHWAccels([]byte("Hardware acceleration methods:\n")))
}

func TestStreamProgress(t *testing.T) {
	in := strings.Join([]string{
		"frame=10",
		"fps=25.0",
		"out_time_us=400000",
		"out_time=00:00:00.400000",
		"speed=1.5x",
		"progress=continue",
		"[libx264 @ 0x1] frame I:1",
		"out_time_us=2000000",
		"progress=end",
	}, "\n")

	var got []Progress
	var logged int
	streamProgress(strings.NewReader(in), func(p *Progress) { got = append(got, *p) }, func(string) { logged++ })

	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].Frame)
	assert.Equal(t, 400*time.Millisecond, got[0].OutTime)
	assert.Equal(t, "1.5x", got[0].Speed)
	assert.False(t, got[0].Done)
	assert.Equal(t, 2*time.Second, got[1].OutTime)
	assert.True(t, got[1].Done)
	assert.Equal(t, 9, logged)
}

func TestTailBufferSkipsProgressLines(t *testing.T) {
	b := newTailBuffer(2)
	b.add("Error opening input: No such file")
	b.add("progress=end")
	b.add("out_time_us=10")
	assert.Equal(t, "Error opening input: No such file", b.last())
}

func TestPCMPeaks(t *testing.T) {
	samples := []int16{0, 16384, -32768, 100, 8192}
	pcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}

	peaks := pcmPeaks(pcm, 2)
	require.Len(t, peaks, 3)
	assert.InDelta(t, 0.5, peaks[0], 1e-6)
	assert.InDelta(t, 1.0, peaks[1], 1e-6)
	assert.InDelta(t, 0.25, peaks[2], 1e-6)
}

func TestParseProbeOutput(t *testing.T) {
	out := []byte(`{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720, "r_frame_rate": "30000/1001"},
    {"codec_type": "audio", "codec_name": "aac", "sample_rate": "48000", "channels": 2, "bit_rate": "128000"}
  ],
  "format": {"format_name": "mov,mp4,m4a", "duration": "2.500000", "bit_rate": "900000"}
}`)

	info, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, info.Duration)
	assert.Equal(t, util.Rational{Num: 30000, Den: 1001}, info.FrameRate)
	assert.InDelta(t, 29.97, info.FPS, 0.01)
	assert.True(t, info.HasVideo)
	assert.False(t, info.StillImage)
	assert.Equal(t, 48000, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, int64(128000), info.AudioBitrate)

	_, err = parseProbeOutput([]byte("not json"))
	assert.Error(t, err)
}

func TestParseVolumeOutput(t *testing.T) {
	out := "[Parsed_volumedetect_0 @ 0x1] n_samples: 88200\n" +
		"[Parsed_volumedetect_0 @ 0x1] mean_volume: -21.3 dB\n" +
		"[Parsed_volumedetect_0 @ 0x1] max_volume: -3.0 dB\n"

	stats := parseVolumeOutput(out)
	assert.InDelta(t, -21.3, stats.MeanVolume, 1e-9)
	assert.InDelta(t, -3.0, stats.MaxVolume, 1e-9)
}

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs(
		VideoParams{Codec: "libx264", Bitrate: 4000000, GOPSize: -1, BFrames: 0,
			FrameRate: util.Rational{Num: 25, Den: 1},
			Options:   []KeyValue{{Key: "color_primaries", Value: "bt709"}}},
		AudioParams{Codec: "aac", Bitrate: -1, SampleRate: 48000, Channels: 2},
	)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c:v libx264 -b:v 4000000 -bf 0 -r 25/1")
	assert.NotContains(t, joined, "-g ")
	assert.Contains(t, joined, "-color_primaries:v bt709")
	assert.Contains(t, joined, "-c:a aac -ar 48000 -ac 2")
	assert.NotContains(t, joined, "-b:a")
}

func TestFilterBuilder(t *testing.T) {
	fb := NewFilterBuilder()
	filter := fb.Scale(1920, 1080).FPS(util.Rational{Num: 30, Den: 1}).Build()

	expected := "scale=1920:1080,fps=30/1"
	if filter != expected {
		t.Errorf("expected %q, got %q", expected, filter)
	}
}

func TestFilterBuilderEmpty(t *testing.T) {
	fb := NewFilterBuilder()
	filter := fb.Scale(0, 0).AudioVolume(1).Balance(0).Equalizer(100, 1, 0).Build()

	if filter != "" {
		t.Errorf("identity settings should add no filters, got %q", filter)
	}
}

func TestFilterBuilderAudioChain(t *testing.T) {
	filter := NewFilterBuilder().AudioVolume(0.5).Balance(0.25).Equalizer(1000, 1.41, -6).Build()

	expected := "volume=0.500000,pan=stereo|c0=0.750000*c0|c1=1.000000*c1,equalizer=f=1000:t=q:w=1.41:g=-6"
	if filter != expected {
		t.Errorf("expected %q, got %q", expected, filter)
	}
}

func TestExportPlanValidate(t *testing.T) {
	valid := ExportPlan{
		Output:   "out.mp4",
		Segments: []Segment{{Path: "a.mp4", In: 0, Out: time.Second}},
		Video:    VideoParams{Width: 320, Height: 240},
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, time.Second, valid.Duration())

	noOutput := valid
	noOutput.Output = ""
	assert.Error(t, noOutput.Validate())

	empty := valid
	empty.Segments = nil
	assert.Error(t, empty.Validate())

	backwards := valid
	backwards.Segments = []Segment{{Path: "a.mp4", In: time.Second, Out: 0}}
	assert.Error(t, backwards.Validate())

	gapped := valid
	gapped.Segments = append(gapped.Segments, Segment{Out: 2 * time.Second, Blank: true})
	require.NoError(t, gapped.Validate())
	assert.Equal(t, 3*time.Second, gapped.Duration())

	sourceless := valid
	sourceless.Segments = []Segment{{Out: time.Second}}
	assert.Error(t, sourceless.Validate())
}

func TestProbeVideo(t *testing.T) {
	e := newTestExecutor(t)
	path := generateTestVideo(t, 2)

	info, err := e.ProbeVideo(context.Background(), path)
	if err != nil {
		t.Fatalf("ProbeVideo failed: %v", err)
	}

	if info.Width != 320 {
		t.Errorf("expected width 320, got %d", info.Width)
	}
	if info.Height != 240 {
		t.Errorf("expected height 240, got %d", info.Height)
	}
	if info.Duration == 0 {
		t.Error("duration is zero")
	}
	if !info.HasAudio {
		t.Error("expected an audio stream")
	}
}

func TestProbeVideoInvalidFile(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.ProbeVideo(context.Background(), "nonexistent.mp4")
	if err == nil {
		t.Error("ProbeVideo should fail for non-existent file")
	}

	invalidPath := filepath.Join(t.TempDir(), "invalid.txt")
	require.NoError(t, os.WriteFile(invalidPath, []byte("not a video"), 0644))

	_, err = e.ProbeVideo(context.Background(), invalidPath)
	if err == nil {
		t.Error("ProbeVideo should fail for invalid video file")
	}
}

func TestOverview(t *testing.T) {
	e := newTestExecutor(t)
	path := generateTestVideo(t, 2)
	ctx := context.Background()

	img, err := e.Thumbnail(ctx, path, 500*time.Millisecond, 160)
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	assert.Equal(t, 120, img.Bounds().Dy())

	peaks, err := e.Waveform(ctx, path, 50)
	require.NoError(t, err)
	assert.InDelta(t, 100, len(peaks), 2)

	stats, err := e.AnalyzeVolume(ctx, path)
	require.NoError(t, err)
	if stats.MeanVolume < -100 {
		t.Error("Mean volume suspiciously low")
	}
}

func TestFindEncoder(t *testing.T) {
	e := newTestExecutor(t)

	encoders, err := e.FindEncoder(context.Background(), "aac")
	require.NoError(t, err)
	require.NotEmpty(t, encoders)
	for _, enc := range encoders {
		assert.Equal(t, "aac", enc.Codec)
		assert.True(t, enc.HasOption("b"), "generic bitrate option missing on %s", enc.Name)
	}
}

func TestExport(t *testing.T) {
	e := newTestExecutor(t)
	src := generateTestVideo(t, 2)
	out := filepath.Join(t.TempDir(), "export.mkv")

	plan := ExportPlan{
		Output: out,
		Segments: []Segment{
			{Path: src, In: 0, Out: 500 * time.Millisecond, HasAudio: true},
			{Out: 500 * time.Millisecond, Blank: true},
			{Path: src, In: time.Second, Out: 1500 * time.Millisecond, HasAudio: true},
		},
		Video: VideoParams{Codec: "mpeg4", Width: 160, Height: 120,
			FrameRate: util.Rational{Num: 25, Den: 1}, Bitrate: -1, GOPSize: -1, BFrames: -1},
		Audio:   AudioParams{Codec: "pcm_s16le", Channels: 2, SampleRate: 44100, Bitrate: -1},
		WorkDir: t.TempDir(),
	}

	var last float64
	err := e.Export(context.Background(), plan, func(f float64) {
		if f < last {
			t.Errorf("progress went backwards: %v after %v", f, last)
		}
		last = f
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, last)

	info, err := e.ProbeVideo(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 160, info.Width)
	assert.InDelta(t, 1.5, info.Duration.Seconds(), 0.2)
}

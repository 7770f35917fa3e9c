// Package encode runs the export job: configuration against the live
// encoder list, the background encode loop and its status.
package encode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kikiluvv/slopedit/internal/env"
	"github.com/kikiluvv/slopedit/internal/ffmpeg"
	"github.com/kikiluvv/slopedit/internal/frame"
	"github.com/kikiluvv/slopedit/internal/metrics"
	"github.com/kikiluvv/slopedit/internal/task"
	"github.com/kikiluvv/slopedit/internal/timeline"
)

// State of the export job.
type State int

const (
	Idle State = iota
	Configuring
	Running
	Stopped
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the job has ended.
func (s State) Terminal() bool { return s == Stopped || s == Finished || s == Failed }

// minEstimateElapsed is how long a run must have been going before speed
// and ETA are derived from it.
const minEstimateElapsed = 100 * time.Millisecond

var (
	ErrAlreadyRunning = errors.New("an encode job is already running")
	ErrNotConfigured  = errors.New("encoder is not configured")
	ErrNotOpen        = errors.New("export is not open")
)

// RuntimeError is a failure of the encode loop. Its text is the backend's.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return e.Err.Error() }

func (e *RuntimeError) Unwrap() error { return e.Err }

// Session is the encoder side of the timeline. *timeline.Session satisfies it.
type Session interface {
	FindEncoder(ctx context.Context, hint string) ([]ffmpeg.Encoder, error)
	ConfigEncoder(output string, video ffmpeg.VideoParams, audio ffmpeg.AudioParams) error
	Encode(ctx context.Context, onProgress func(float64)) error
	StopEncoding()
	EncodeDuration() time.Duration
	EncodeSlot() *frame.Slot
	Frame(ctx context.Context, t time.Duration) (frame.Frame, error)
	Settings() timeline.Settings
	Marks() (in, out time.Duration, ok bool)
}

// HardwareInfo reports the accelerators found at startup. *env.Scanner
// satisfies it.
type HardwareInfo interface {
	Hardware() env.Hardware
}

// Status is a copy of the job's status fields.
type Status struct {
	State    State
	Output   string
	Progress float64
	Elapsed  time.Duration
	Speed    float64
	ETA      time.Duration
	Err      string
}

// Job is the single export job of a session.
type Job struct {
	session Session
	hw      HardwareInfo
	logger  zerolog.Logger
	slot    *task.Slot
	logRate *rate.Limiter
	now     func() time.Time

	progress task.Progress

	mu         sync.Mutex
	state      State
	errText    string
	configured bool
	output     string
	video      ffmpeg.VideoParams
	audio      ffmpeg.AudioParams
	duration   time.Duration
	started    time.Time
	ended      time.Time
}

// NewJob creates an idle job. hw may be nil, in which case no hardware
// encoder is accepted.
func NewJob(session Session, hw HardwareInfo, logger zerolog.Logger) *Job {
	logger = logger.With().Str("component", "encode").Logger()
	return &Job{
		session: session,
		hw:      hw,
		logger:  logger,
		slot:    task.NewSlot("encode", logger),
		logRate: rate.NewLimiter(rate.Every(time.Second), 1),
		now:     time.Now,
	}
}

// Open starts a new configuration. It resets error text and timers.
func (j *Job) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == Running {
		return ErrAlreadyRunning
	}
	j.state = Configuring
	j.errText = ""
	j.configured = false
	j.started, j.ended = time.Time{}, time.Time{}
	j.duration = 0
	j.progress.Reset()
	return nil
}

// Encoders lists the live encoder descriptions matching hint.
func (j *Job) Encoders(ctx context.Context, hint string) ([]ffmpeg.Encoder, error) {
	return j.session.FindEncoder(ctx, hint)
}

// ConfigureEncoder validates the parameters against the backend and hands
// the normalized set to the session. Failures return a *ConfigError.
func (j *Job) ConfigureEncoder(ctx context.Context, output string, video ffmpeg.VideoParams, audio ffmpeg.AudioParams) error {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()
	switch state {
	case Running:
		return ErrAlreadyRunning
	case Configuring:
	default:
		return ErrNotOpen
	}

	err := j.configure(ctx, output, video, audio)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.errText = err.Error()
		j.configured = false
		metrics.EncodeConfigErrorsTotal.Inc()
		j.logger.Warn().Err(err).Msg("encoder configuration rejected")
		return err
	}
	j.errText = ""
	return nil
}

func (j *Job) configure(ctx context.Context, output string, video ffmpeg.VideoParams, audio ffmpeg.AudioParams) error {
	if output == "" {
		return &ConfigError{Field: "output", Reason: "no output path"}
	}
	var hw env.Hardware
	if j.hw != nil {
		hw = j.hw.Hardware()
	}
	st := j.session.Settings()

	v, err := validateVideo(ctx, j.session, hw, st, video)
	if err != nil {
		return err
	}
	a, err := validateAudio(ctx, j.session, st, audio)
	if err != nil {
		return err
	}
	if err := j.session.ConfigEncoder(output, v, a); err != nil {
		return &ConfigError{Field: "output", Reason: err.Error()}
	}

	j.mu.Lock()
	j.configured = true
	j.output, j.video, j.audio = output, v, a
	j.mu.Unlock()

	j.logger.Info().
		Str("output", output).
		Str("codec", v.Codec).
		Int("bitrate", v.Bitrate).
		Int("gop_size", v.GOPSize).
		Int("b_frames", v.BFrames).
		Str("audio_codec", a.Codec).
		Msg("encoder configured")
	return nil
}

// Configured returns the normalized parameters of the last successful
// configuration.
func (j *Job) Configured() (ffmpeg.VideoParams, ffmpeg.AudioParams, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.video, j.audio, j.configured
}

// StartEncoding launches the encode loop in the background.
func (j *Job) StartEncoding(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == Running {
		return ErrAlreadyRunning
	}
	if j.state != Configuring || !j.configured {
		return ErrNotConfigured
	}

	j.duration = j.session.EncodeDuration()
	j.started, j.ended = j.now(), time.Time{}
	j.progress.Reset()
	if _, err := j.slot.TryStart(ctx, j.run); err != nil {
		if errors.Is(err, task.ErrBusy) {
			return ErrAlreadyRunning
		}
		return err
	}
	j.state = Running
	metrics.RecordEncode(Running.String())
	j.logger.Info().Str("output", j.output).Dur("duration", j.duration).Msg("encode started")
	return nil
}

func (j *Job) run(ctx context.Context, t *task.Task) error {
	var offset time.Duration
	if in, _, ok := j.session.Marks(); ok {
		offset = in
	}
	j.mu.Lock()
	duration := j.duration
	j.mu.Unlock()

	// preview frames are rendered off the backend's progress callback
	previews := make(chan float64, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slot := j.session.EncodeSlot()
		for frac := range previews {
			at := offset + time.Duration(frac*float64(duration))
			f, err := j.session.Frame(ctx, at)
			if err != nil {
				continue
			}
			slot.Publish(f)
		}
	}()

	err := j.session.Encode(ctx, func(f float64) {
		j.progress.Set(f)
		t.SetProgress(f)
		p := j.progress.Value()
		metrics.EncodeProgress.Set(p)
		if j.logRate.Allow() {
			j.logger.Info().Float64("progress", p).Msg("encoding")
		}
		select {
		case previews <- p:
		default:
		}
	})
	close(previews)
	wg.Wait()

	j.finish(err)
	return err
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.ended = j.now()
	switch {
	case j.state == Stopped:
	case err != nil:
		j.state = Failed
		j.errText = (&RuntimeError{Err: err}).Error()
	default:
		j.progress.Set(1)
		j.state = Finished
	}
	state := j.state
	errText := j.errText
	elapsed := j.ended.Sub(j.started)
	j.mu.Unlock()

	if state == Failed {
		j.session.StopEncoding()
		j.logger.Error().Str("error", errText).Msg("encode failed")
	} else {
		j.logger.Info().Str("state", state.String()).Dur("elapsed", elapsed).Msg("encode ended")
	}
	metrics.RecordEncode(state.String())
}

// StopEncoding cancels a running encode and joins it. The backend is
// released and the preview slot cleared before it returns.
func (j *Job) StopEncoding() {
	j.mu.Lock()
	if j.state != Running {
		j.mu.Unlock()
		return
	}
	j.state = Stopped
	j.mu.Unlock()

	if t := j.slot.Current(); t != nil {
		t.Cancel()
	}
	j.session.StopEncoding()
	_ = j.slot.Wait()
	j.session.EncodeSlot().Clear()
}

// Err returns the terminal error, a *RuntimeError after a failed run.
func (j *Job) Err() error {
	t := j.slot.Current()
	if t == nil || j.State() != Failed {
		return nil
	}
	if err := t.Err(); err != nil {
		return &RuntimeError{Err: err}
	}
	return nil
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress is readable without locking.
func (j *Job) Progress() float64 { return j.progress.Value() }

// Status derives elapsed time, speed and ETA from the progress fraction.
// Speed is media time encoded per wall-clock second.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := Status{
		State:    j.state,
		Output:   j.output,
		Progress: j.progress.Value(),
		Err:      j.errText,
	}
	if j.started.IsZero() {
		return st
	}
	end := j.ended
	if end.IsZero() {
		end = j.now()
	}
	st.Elapsed = end.Sub(j.started)
	if st.Elapsed < minEstimateElapsed || j.duration <= 0 {
		return st
	}
	encoded := st.Progress * j.duration.Seconds()
	st.Speed = encoded / st.Elapsed.Seconds()
	if st.Speed > 0 && j.state == Running {
		remaining := j.duration.Seconds() - encoded
		st.ETA = time.Duration(remaining / st.Speed * float64(time.Second))
	}
	return st
}

// LatestFrame returns the newest encode preview without blocking.
func (j *Job) LatestFrame() (frame.Frame, bool, bool) {
	return j.session.EncodeSlot().Latest()
}

// Wait joins the current run, if any.
func (j *Job) Wait() error { return j.slot.Wait() }

// Close stops a running encode and joins it. A failed run has already
// reported through Status.
func (j *Job) Close() {
	j.StopEncoding()
	_ = j.slot.Wait()
}

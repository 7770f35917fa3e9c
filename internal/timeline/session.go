// Package timeline holds the live editing session: tracks, clips, the
// cursor, marks, the per-track and master audio chains and the frame
// hand-off slots. A Session is created by the application and passed to
// every component that needs it.
package timeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/internal/dsp"
	"github.com/kikiluvv/slopedit/internal/frame"
	"github.com/kikiluvv/slopedit/pkg/util"
)

var (
	// ErrLoading rejects interactive track edits while a project loads.
	ErrLoading = errors.New("session is loading")

	ErrTrackNotFound = errors.New("track not found")
	ErrClipNotFound  = errors.New("clip not found")
	ErrInvalidRange  = errors.New("invalid range")
)

// TrackKind is what a track carries.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
	TrackSubtitle
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	}
	return "unknown"
}

// ParseTrackKind is the inverse of String.
func ParseTrackKind(s string) (TrackKind, error) {
	switch s {
	case "video":
		return TrackVideo, nil
	case "audio":
		return TrackAudio, nil
	case "subtitle":
		return TrackSubtitle, nil
	}
	return 0, fmt.Errorf("unknown track kind %q", s)
}

// Clip is a placed range of a media item. Start is the position on the
// timeline; In and Out bound the source range.
type Clip struct {
	ID      int64
	MediaID int64
	Start   time.Duration
	In      time.Duration
	Out     time.Duration
}

// Duration on the timeline.
func (c Clip) Duration() time.Duration { return c.Out - c.In }

// End is the timeline position just after the clip.
func (c Clip) End() time.Duration { return c.Start + c.Duration() }

// Contains reports whether timeline position t falls inside the clip.
func (c Clip) Contains(t time.Duration) bool { return t >= c.Start && t < c.End() }

// Overlap is the transition region where the next clip on a track starts
// before the previous one ends.
type Overlap struct {
	Track int
	Left  int64
	Right int64
	Start time.Duration
	End   time.Duration
}

// Track is a copy of one track's state.
type Track struct {
	ID    int
	Name  string
	Kind  TrackKind
	Muted bool
	Clips []Clip
}

type track struct {
	Track
	chain *dsp.Chain
}

// Settings are the session format attributes a project document carries.
type Settings struct {
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	FrameRate   util.Rational `json:"frame_rate"`
	ColorSpace  string        `json:"color_space,omitempty"`
	Channels    int           `json:"channels"`
	SampleRate  int           `json:"sample_rate"`
	AudioFormat string        `json:"audio_format"`
}

// Validate checks the settings are usable for playback.
func (s Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", s.Width, s.Height)
	}
	if !s.FrameRate.Valid() {
		return fmt.Errorf("invalid frame rate %s", s.FrameRate)
	}
	if s.Channels <= 0 || s.SampleRate <= 0 {
		return fmt.Errorf("invalid audio layout %d ch @ %d Hz", s.Channels, s.SampleRate)
	}
	return nil
}

// Session is the live editing state.
type Session struct {
	id     string
	logger zerolog.Logger

	mu          sync.RWMutex
	settings    Settings
	tracks      []*track
	nextTrackID int
	nextClipID  int64
	cursor      time.Duration
	markIn      time.Duration
	markOut     time.Duration
	hasMarks    bool
	master      *dsp.Chain

	loading atomic.Bool

	preview       *frame.Slot
	encodePreview *frame.Slot

	frames   FrameSource
	resolver MediaResolver
	exporter Exporter
	enc      encoderState
}

// Option configures a Session.
type Option func(*Session)

// WithFrameSource sets the compositor used by Frame.
func WithFrameSource(fs FrameSource) Option {
	return func(s *Session) { s.frames = fs }
}

// WithMediaResolver sets how clip media ids map to files.
func WithMediaResolver(r MediaResolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithExporter sets the encoder backend.
func WithExporter(e Exporter) Option {
	return func(s *Session) { s.exporter = e }
}

// New creates an empty session.
func New(logger zerolog.Logger, settings Settings, opts ...Option) *Session {
	id := uuid.NewString()
	s := &Session{
		id:            id,
		logger:        logger.With().Str("component", "timeline").Str("session_id", id).Logger(),
		settings:      settings,
		nextTrackID:   1,
		nextClipID:    1,
		master:        dsp.NewChain(settings.SampleRate),
		preview:       frame.NewSlot(),
		encodePreview: frame.NewSlot(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// PreviewSlot is the main preview hand-off.
func (s *Session) PreviewSlot() *frame.Slot { return s.preview }

// EncodeSlot receives preview frames from a running encode.
func (s *Session) EncodeSlot() *frame.Slot { return s.encodePreview }

// SetLoading toggles loading mode.
func (s *Session) SetLoading(on bool) {
	s.loading.Store(on)
	s.logger.Debug().Bool("loading", on).Msg("loading mode")
}

// Loading reports whether a project load is in progress.
func (s *Session) Loading() bool { return s.loading.Load() }

// Settings returns the current format attributes.
func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetSettings replaces the format attributes.
func (s *Session) SetSettings(st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()
	return nil
}

// FrameDuration is the length of one frame at the session rate.
func (s *Session) FrameDuration() time.Duration {
	return s.Settings().FrameRate.FrameDuration()
}

// Duration is the end of the last clip on any track.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() time.Duration {
	var end time.Duration
	for _, t := range s.tracks {
		for _, c := range t.Clips {
			if e := c.End(); e > end {
				end = e
			}
		}
	}
	return end
}

// Seek moves the cursor, clamped to [0, Duration]. It returns the cursor.
func (s *Session) Seek(t time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t < 0 {
		t = 0
	}
	if d := s.durationLocked(); t > d {
		t = d
	}
	s.cursor = t
	return t
}

// CurrentTime is the cursor position.
func (s *Session) CurrentTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// SetMarks sets mark-in and mark-out.
func (s *Session) SetMarks(in, out time.Duration) error {
	if in < 0 || out <= in {
		return fmt.Errorf("%w: marks %s..%s", ErrInvalidRange, in, out)
	}
	s.mu.Lock()
	s.markIn, s.markOut, s.hasMarks = in, out, true
	s.mu.Unlock()
	return nil
}

// ClearMarks removes mark-in and mark-out.
func (s *Session) ClearMarks() {
	s.mu.Lock()
	s.markIn, s.markOut, s.hasMarks = 0, 0, false
	s.mu.Unlock()
}

// Marks returns mark-in and mark-out; ok is false when none are set.
func (s *Session) Marks() (in, out time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markIn, s.markOut, s.hasMarks
}

// AddTrack appends a track and returns its id.
func (s *Session) AddTrack(kind TrackKind, name string) (int, error) {
	if s.Loading() {
		return 0, ErrLoading
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTrackLocked(kind, name), nil
}

func (s *Session) addTrackLocked(kind TrackKind, name string) int {
	id := s.nextTrackID
	s.nextTrackID++
	if name == "" {
		name = fmt.Sprintf("%s %d", kind, id)
	}
	s.tracks = append(s.tracks, &track{
		Track: Track{ID: id, Name: name, Kind: kind},
		chain: dsp.NewChain(s.settings.SampleRate),
	})
	return id
}

// RemoveTrack deletes a track and its clips.
func (s *Session) RemoveTrack(id int) error {
	if s.Loading() {
		return ErrLoading
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return nil
		}
	}
	return ErrTrackNotFound
}

// SetMuted mutes or unmutes a track.
func (s *Session) SetMuted(id int, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trackLocked(id)
	if t == nil {
		return ErrTrackNotFound
	}
	t.Muted = muted
	return nil
}

// Tracks returns copies of all tracks in order.
func (s *Session) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.Track
		out[i].Clips = append([]Clip(nil), t.Clips...)
	}
	return out
}

// TrackIDs returns the track ids in order.
func (s *Session) TrackIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, len(s.tracks))
	for i, t := range s.tracks {
		ids[i] = t.ID
	}
	return ids
}

func (s *Session) trackLocked(id int) *track {
	for _, t := range s.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AddClip places source range [in, out) of media at timeline position start.
func (s *Session) AddClip(trackID int, mediaID int64, start, in, out time.Duration) (Clip, error) {
	if s.Loading() {
		return Clip{}, ErrLoading
	}
	if start < 0 || in < 0 || out <= in {
		return Clip{}, fmt.Errorf("%w: clip %s..%s at %s", ErrInvalidRange, in, out, start)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trackLocked(trackID)
	if t == nil {
		return Clip{}, ErrTrackNotFound
	}
	c := Clip{ID: s.nextClipID, MediaID: mediaID, Start: start, In: in, Out: out}
	s.nextClipID++
	t.insert(c)
	return c, nil
}

func (t *track) insert(c Clip) {
	i := sort.Search(len(t.Clips), func(i int) bool { return t.Clips[i].Start > c.Start })
	t.Clips = append(t.Clips, Clip{})
	copy(t.Clips[i+1:], t.Clips[i:])
	t.Clips[i] = c
}

// RemoveClip deletes a clip from whichever track holds it.
func (s *Session) RemoveClip(id int64) error {
	if s.Loading() {
		return ErrLoading
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, i := s.findClipLocked(id)
	if t == nil {
		return ErrClipNotFound
	}
	t.Clips = append(t.Clips[:i], t.Clips[i+1:]...)
	return nil
}

// MoveClip changes a clip's timeline position.
func (s *Session) MoveClip(id int64, start time.Duration) error {
	if s.Loading() {
		return ErrLoading
	}
	if start < 0 {
		return fmt.Errorf("%w: start %s", ErrInvalidRange, start)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, i := s.findClipLocked(id)
	if t == nil {
		return ErrClipNotFound
	}
	c := t.Clips[i]
	t.Clips = append(t.Clips[:i], t.Clips[i+1:]...)
	c.Start = start
	t.insert(c)
	return nil
}

// TrimClip changes a clip's source range, keeping its start position.
func (s *Session) TrimClip(id int64, in, out time.Duration) (Clip, error) {
	if s.Loading() {
		return Clip{}, ErrLoading
	}
	if in < 0 || out <= in {
		return Clip{}, fmt.Errorf("%w: trim %s..%s", ErrInvalidRange, in, out)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, i := s.findClipLocked(id)
	if t == nil {
		return Clip{}, ErrClipNotFound
	}
	t.Clips[i].In, t.Clips[i].Out = in, out
	return t.Clips[i], nil
}

// SplitClip cuts a clip at timeline position at into two clips.
func (s *Session) SplitClip(id int64, at time.Duration) (Clip, Clip, error) {
	if s.Loading() {
		return Clip{}, Clip{}, ErrLoading
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, i := s.findClipLocked(id)
	if t == nil {
		return Clip{}, Clip{}, ErrClipNotFound
	}
	c := t.Clips[i]
	if at <= c.Start || at >= c.End() {
		return Clip{}, Clip{}, fmt.Errorf("%w: split at %s outside clip", ErrInvalidRange, at)
	}
	cut := c.In + (at - c.Start)
	left := c
	left.Out = cut
	right := Clip{ID: s.nextClipID, MediaID: c.MediaID, Start: at, In: cut, Out: c.Out}
	s.nextClipID++
	t.Clips[i] = left
	t.insert(right)
	return left, right, nil
}

func (s *Session) findClipLocked(id int64) (*track, int) {
	for _, t := range s.tracks {
		for i, c := range t.Clips {
			if c.ID == id {
				return t, i
			}
		}
	}
	return nil, -1
}

// Clip returns a clip by id.
func (s *Session) Clip(id int64) (Clip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, i := s.findClipLocked(id)
	if t == nil {
		return Clip{}, false
	}
	return t.Clips[i], true
}

// ClipTrack returns the id of the track holding clip id.
func (s *Session) ClipTrack(id int64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, _ := s.findClipLocked(id)
	if t == nil {
		return 0, false
	}
	return t.ID, true
}

// Overlaps lists the transition regions on every track.
func (s *Session) Overlaps() []Overlap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Overlap
	for _, t := range s.tracks {
		for i := 1; i < len(t.Clips); i++ {
			prev, next := t.Clips[i-1], t.Clips[i]
			if next.Start >= prev.End() {
				continue
			}
			end := prev.End()
			if next.End() < end {
				end = next.End()
			}
			out = append(out, Overlap{Track: t.ID, Left: prev.ID, Right: next.ID, Start: next.Start, End: end})
		}
	}
	return out
}

// References reports whether any clip uses media id.
func (s *Session) References(mediaID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		for _, c := range t.Clips {
			if c.MediaID == mediaID {
				return true
			}
		}
	}
	return false
}

// MediaIDs returns every distinct media id referenced by a clip.
func (s *Session) MediaIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mediaIDs(s.tracks)
}

func mediaIDs(tracks []*track) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, t := range tracks {
		for _, c := range t.Clips {
			if !seen[c.MediaID] {
				seen[c.MediaID] = true
				ids = append(ids, c.MediaID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset drops all tracks and marks, keeping settings.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.tracks = nil
	s.nextTrackID = 1
	s.nextClipID = 1
	s.cursor = 0
	s.markIn, s.markOut, s.hasMarks = 0, 0, false
	_ = s.master.SetParams(dsp.DefaultParams())
	s.preview.Clear()
}

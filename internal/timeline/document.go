package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kikiluvv/slopedit/internal/dsp"
)

// Document is the TimeLine section of a project file.
type Document struct {
	Settings Settings      `json:"settings"`
	Tracks   []TrackDoc    `json:"tracks"`
	Master   *dsp.Params   `json:"master,omitempty"`
	Marks    *MarksDoc     `json:"marks,omitempty"`
	Cursor   time.Duration `json:"cursor"`
}

type TrackDoc struct {
	ID    int         `json:"id"`
	Name  string      `json:"name"`
	Kind  string      `json:"kind"`
	Muted bool        `json:"muted,omitempty"`
	Audio *dsp.Params `json:"audio,omitempty"`
	Clips []ClipDoc   `json:"clips"`
}

type ClipDoc struct {
	ID      int64         `json:"id"`
	MediaID int64         `json:"media_id"`
	Start   time.Duration `json:"start"`
	In      time.Duration `json:"in"`
	Out     time.Duration `json:"out"`
}

type MarksDoc struct {
	In  time.Duration `json:"in"`
	Out time.Duration `json:"out"`
}

// LoadTimeline replaces the session content with a TimeLine section. It is
// the loader's entry point and is allowed while the session is loading.
// Empty or null input yields an empty timeline.
func (s *Session) LoadTimeline(data []byte) error {
	loaded, err := s.DecodeTimeline(data)
	if err != nil {
		return err
	}
	s.ApplyTimeline(loaded)
	return nil
}

// Loaded is a decoded and validated TimeLine section that has not been
// applied to a session yet.
type Loaded struct {
	settings  Settings
	tracks    []*track
	nextTrack int
	nextClip  int64
	master    *dsp.Chain
	marks     *MarksDoc
	cursor    time.Duration
}

// MediaIDs returns every distinct media id the decoded clips reference.
func (l *Loaded) MediaIDs() []int64 { return mediaIDs(l.tracks) }

// DecodeTimeline parses and validates a TimeLine section without touching
// the session, so a rejected document leaves everything as it was.
func (s *Session) DecodeTimeline(data []byte) (*Loaded, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode timeline: %w", err)
		}
	}

	settings := s.Settings()
	if err := doc.Settings.Validate(); err == nil {
		settings = doc.Settings
	} else if len(trimmed) > 0 {
		s.logger.Warn().Err(err).Msg("timeline settings unusable, keeping current")
	}

	tracks, nextTrack, nextClip, err := buildTracks(doc.Tracks, settings.SampleRate)
	if err != nil {
		return nil, err
	}
	master := dsp.NewChain(settings.SampleRate)
	if doc.Master != nil {
		if err := master.SetParams(*doc.Master); err != nil {
			return nil, fmt.Errorf("master bus: %w", err)
		}
	}
	return &Loaded{
		settings:  settings,
		tracks:    tracks,
		nextTrack: nextTrack,
		nextClip:  nextClip,
		master:    master,
		marks:     doc.Marks,
		cursor:    doc.Cursor,
	}, nil
}

// ApplyTimeline replaces the session content with a decoded section.
func (s *Session) ApplyTimeline(l *Loaded) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.settings = l.settings
	s.tracks = l.tracks
	s.nextTrackID = l.nextTrack
	s.nextClipID = l.nextClip
	s.master = l.master
	if m := l.marks; m != nil && m.In >= 0 && m.Out > m.In {
		s.markIn, s.markOut, s.hasMarks = m.In, m.Out, true
	}
	s.cursor = l.cursor
	if d := s.durationLocked(); s.cursor > d {
		s.cursor = d
	}
	if s.cursor < 0 {
		s.cursor = 0
	}

	s.logger.Info().
		Int("tracks", len(l.tracks)).
		Dur("duration", s.durationLocked()).
		Msg("timeline rehydrated")
}

func buildTracks(docs []TrackDoc, sampleRate int) ([]*track, int, int64, error) {
	tracks := make([]*track, 0, len(docs))
	nextTrack, nextClip := 1, int64(1)
	trackIDs := make(map[int]bool)
	clipIDs := make(map[int64]bool)

	for _, td := range docs {
		kind, err := ParseTrackKind(td.Kind)
		if err != nil {
			return nil, 0, 0, err
		}
		if td.ID <= 0 || trackIDs[td.ID] {
			return nil, 0, 0, fmt.Errorf("invalid or duplicate track id %d", td.ID)
		}
		trackIDs[td.ID] = true
		if td.ID >= nextTrack {
			nextTrack = td.ID + 1
		}

		t := &track{
			Track: Track{ID: td.ID, Name: td.Name, Kind: kind, Muted: td.Muted},
			chain: dsp.NewChain(sampleRate),
		}
		if td.Audio != nil {
			if err := t.chain.SetParams(*td.Audio); err != nil {
				return nil, 0, 0, fmt.Errorf("track %d audio: %w", td.ID, err)
			}
		}
		for _, cd := range td.Clips {
			if cd.ID <= 0 || clipIDs[cd.ID] {
				return nil, 0, 0, fmt.Errorf("invalid or duplicate clip id %d", cd.ID)
			}
			if cd.Start < 0 || cd.In < 0 || cd.Out <= cd.In {
				return nil, 0, 0, fmt.Errorf("%w: clip %d", ErrInvalidRange, cd.ID)
			}
			clipIDs[cd.ID] = true
			if cd.ID >= nextClip {
				nextClip = cd.ID + 1
			}
			t.insert(Clip{ID: cd.ID, MediaID: cd.MediaID, Start: cd.Start, In: cd.In, Out: cd.Out})
		}
		tracks = append(tracks, t)
	}
	return tracks, nextTrack, nextClip, nil
}

// SaveTimeline serializes the session as a TimeLine section.
func (s *Session) SaveTimeline() ([]byte, error) {
	return json.Marshal(s.Document())
}

// Document returns the TimeLine section as a value.
func (s *Session) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	master := s.master.Params()
	doc := Document{
		Settings: s.settings,
		Tracks:   make([]TrackDoc, 0, len(s.tracks)),
		Master:   &master,
		Cursor:   s.cursor,
	}
	if s.hasMarks {
		doc.Marks = &MarksDoc{In: s.markIn, Out: s.markOut}
	}
	for _, t := range s.tracks {
		audio := t.chain.Params()
		td := TrackDoc{
			ID:    t.ID,
			Name:  t.Name,
			Kind:  t.Kind.String(),
			Muted: t.Muted,
			Audio: &audio,
			Clips: make([]ClipDoc, 0, len(t.Clips)),
		}
		for _, c := range t.Clips {
			td.Clips = append(td.Clips, ClipDoc{ID: c.ID, MediaID: c.MediaID, Start: c.Start, In: c.In, Out: c.Out})
		}
		doc.Tracks = append(doc.Tracks, td)
	}
	return doc
}

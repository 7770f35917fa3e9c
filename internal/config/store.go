package config

import (
	"sync"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// SessionSettings is the subset of attributes a loaded TimeLine dictates.
type SessionSettings struct {
	Width       int
	Height      int
	FrameRate   util.Rational
	Channels    int
	SampleRate  int
	AudioFormat string
}

// Store is the live AttributeStore. The UI goroutine is the only writer
// except for the loader, which calls SyncFromSession after the TimeLine
// has been rehydrated. Readers get copies.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewStore wraps cfg; path is where Persist writes, empty disables it.
func NewStore(cfg *Config, path string) *Store {
	if cfg == nil {
		cfg = defaultConfig()
	}
	s := &Store{path: path}
	s.cfg = cfg.clone()
	return s
}

// Snapshot returns a copy of the current attributes.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update mutates the attributes under the write lock.
func (s *Store) Update(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}

// SyncFromSession copies the document-authoritative settings into the store.
func (s *Store) SyncFromSession(st SessionSettings) {
	s.Update(func(c *Config) {
		if st.Width > 0 && st.Height > 0 {
			c.Video.Width = st.Width
			c.Video.Height = st.Height
		}
		if st.FrameRate.Valid() {
			c.Video.FrameRate = st.FrameRate
		}
		if st.Channels > 0 {
			c.Audio.Channels = st.Channels
		}
		if st.SampleRate > 0 {
			c.Audio.SampleRate = st.SampleRate
		}
		if st.AudioFormat != "" {
			c.Audio.Format = st.AudioFormat
		}
	})
}

// Persist saves the current attributes to the store's path.
func (s *Store) Persist() error {
	if s.path == "" {
		return nil
	}
	cfg := s.Snapshot()
	return cfg.Save(s.path)
}

func (c Config) clone() Config {
	out := c
	if c.Video.Options != nil {
		out.Video.Options = append([]KeyValue(nil), c.Video.Options...)
	}
	return out
}

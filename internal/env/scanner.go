package env

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Scanner runs the plugin scan and the hardware scan concurrently at
// startup and opens a gate as each finishes. Gates open even when a scan
// fails so nothing waiting on them blocks forever.
type Scanner struct {
	Registry  *Registry
	PluginDir string
	Lister    HWAccelLister

	PluginsReady     *Gate
	EnvironmentReady *Gate

	logger zerolog.Logger

	mu       sync.RWMutex
	hardware Hardware
}

// NewScanner creates a scanner with fresh gates.
func NewScanner(logger zerolog.Logger, registry *Registry, pluginDir string, lister HWAccelLister) *Scanner {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Scanner{
		Registry:         registry,
		PluginDir:        pluginDir,
		Lister:           lister,
		PluginsReady:     NewGate("plugins"),
		EnvironmentReady: NewGate("environment"),
		logger:           logger.With().Str("component", "env").Logger(),
	}
}

// Run performs both scans and returns the first error.
func (s *Scanner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer s.PluginsReady.Open()
		n, err := s.Registry.Scan(s.PluginDir)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", s.PluginDir).Msg("plugin scan failed")
			return err
		}
		s.logger.Info().Int("plugins", n).Str("dir", s.PluginDir).Msg("plugins registered")
		return nil
	})

	g.Go(func() error {
		defer s.EnvironmentReady.Open()
		hw, err := ScanHardware(gctx, s.Lister)
		s.mu.Lock()
		s.hardware = hw
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("hardware scan failed")
			return err
		}
		s.logger.Info().
			Strs("render_nodes", hw.RenderNodes).
			Strs("hwaccels", hw.HWAccels).
			Bool("vaapi", hw.HasVAAPI()).
			Msg("environment scanned")
		return nil
	})

	return g.Wait()
}

// Hardware returns the last scan result.
func (s *Scanner) Hardware() Hardware {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardware
}

// Gates returns the gates in wait order.
func (s *Scanner) Gates() []*Gate {
	return []*Gate{s.PluginsReady, s.EnvironmentReady}
}

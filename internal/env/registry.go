package env

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kikiluvv/slopedit/pkg/util"
)

// Plugin is one effect or transition plugin found on disk.
type Plugin struct {
	Name string
	Path string
	Kind string
}

var pluginKinds = map[string]string{
	"so":     "native",
	"dylib":  "native",
	"dll":    "native",
	"ofx":    "openfx",
	"lv2":    "lv2",
	"frei0r": "frei0r",
}

// Registry manages available plugins
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates a new plugin registry
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
	}
}

// Register adds a plugin to the registry, replacing one with the same name
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name] = p
}

// Get retrieves a plugin by name
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// List returns all registered plugin names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered plugins
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Scan registers every plugin file under dir. A missing directory is not an
// error; it just contributes no plugins.
func (r *Registry) Scan(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	found := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		kind, ok := pluginKinds[util.GetExtension(path)]
		if !ok {
			return nil
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		r.Register(Plugin{Name: name, Path: path, Kind: kind})
		found++
		return nil
	})
	if err != nil {
		return found, fmt.Errorf("scan plugins in %s: %w", dir, err)
	}
	return found, nil
}

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopedit/pkg/util"
)

var (
	ErrNotFound    = errors.New("media item not found")
	ErrInUse       = errors.New("media item is referenced by the timeline")
	ErrUnsupported = errors.New("unsupported media type")
)

// MissingError records a library entry whose type or path could not be
// resolved. The entry is kept as an invalid item.
type MissingError struct {
	ID     int64
	Name   string
	Path   string
	Reason string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("media %d (%s) missing: %s", e.ID, e.Path, e.Reason)
}

// Item is one entry of the media library.
type Item struct {
	ID       int64
	Name     string
	Path     string // as persisted, possibly relative
	Resolved string // absolute path used for decoding
	Kind     Kind
	Code     int // persisted type number, kept for lossless saves
	Valid    bool
	Problem  string
}

// Snapshot is the persisted form of an item.
type Snapshot struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Type int    `json:"type"`
}

// Referencer reports whether the active timeline uses a media id.
type Referencer interface {
	References(id int64) bool
}

// SortKey selects the column Sort orders by.
type SortKey int

const (
	SortByID SortKey = iota
	SortByName
	SortByKind
	SortByPath
)

// Catalog is the ordered media library. All methods are safe for concurrent
// use; the loader writes while the UI reads.
type Catalog struct {
	logger zerolog.Logger
	prober Prober
	opts   OverviewOptions

	mu     sync.RWMutex
	items  []*Item
	byID   map[int64]*Item
	nextID int64

	overviews *overviewCache
}

// NewCatalog creates an empty catalog. prober may be nil, in which case
// Overview fails.
func NewCatalog(logger zerolog.Logger, prober Prober, opts OverviewOptions) *Catalog {
	return &Catalog{
		logger:    logger.With().Str("component", "media").Logger(),
		prober:    prober,
		opts:      opts.withDefaults(),
		byID:      make(map[int64]*Item),
		nextID:    1,
		overviews: newOverviewCache(),
	}
}

// Import adds a file picked by the user. Importing a path that is already
// in the library returns the existing item.
func (c *Catalog) Import(path string) (Item, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Item{}, fmt.Errorf("import %s: %w", path, err)
	}
	kind := KindFromPath(abs)
	if kind == KindUnknown {
		return Item{}, fmt.Errorf("import %s: %w", path, ErrUnsupported)
	}
	if !resolvable(kind, abs) {
		return Item{}, fmt.Errorf("import %s: %w", path, os.ErrNotExist)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, it := range c.items {
		if it.Resolved == abs {
			return *it, nil
		}
	}

	it := &Item{
		ID:       c.nextID,
		Name:     filepath.Base(abs),
		Path:     abs,
		Resolved: abs,
		Kind:     kind,
		Code:     kind.Code(),
		Valid:    true,
	}
	c.nextID++
	c.insertLocked(it)

	c.logger.Info().Int64("media_id", it.ID).Str("path", abs).Str("kind", kind.String()).Msg("imported media")
	return *it, nil
}

// Restore materializes a persisted entry. Relative paths resolve against
// baseDir. Entries with an unknown type or a missing file are still added,
// marked invalid, and reported with a *MissingError.
func (c *Catalog) Restore(s Snapshot, baseDir string) (Item, error) {
	kind := KindFromCode(s.Type)
	resolved := util.ResolvePath(baseDir, s.Path)

	it := &Item{
		Name:     s.Name,
		Path:     s.Path,
		Resolved: resolved,
		Kind:     kind,
		Code:     s.Type,
		Valid:    true,
	}
	if it.Name == "" && s.Path != "" {
		it.Name = filepath.Base(s.Path)
	}

	switch {
	case kind == KindUnknown:
		it.Valid, it.Problem = false, fmt.Sprintf("unknown media type %d", s.Type)
	case s.Path == "":
		it.Valid, it.Problem = false, "empty path"
	case !resolvable(kind, resolved):
		it.Valid, it.Problem = false, "file not found"
	}

	c.mu.Lock()
	if s.ID <= 0 || c.byID[s.ID] != nil {
		c.logger.Warn().Int64("media_id", s.ID).Msg("invalid or duplicate media id, assigning a new one")
		it.ID = c.nextID
	} else {
		it.ID = s.ID
	}
	if it.ID >= c.nextID {
		c.nextID = it.ID + 1
	}
	c.insertLocked(it)
	out := *it
	c.mu.Unlock()

	if !out.Valid {
		return out, &MissingError{ID: out.ID, Name: out.Name, Path: out.Path, Reason: out.Problem}
	}
	return out, nil
}

func (c *Catalog) insertLocked(it *Item) {
	c.items = append(c.items, it)
	c.byID[it.ID] = it
}

// Snapshots returns the persisted form of every item in catalog order.
func (c *Catalog) Snapshots() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, Snapshot{ID: it.ID, Name: it.Name, Path: it.Path, Type: it.Code})
	}
	return out
}

// Get returns the item with id.
func (c *Catalog) Get(id int64) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.byID[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Items returns a copy of all items in catalog order.
func (c *Catalog) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = *it
	}
	return out
}

// Len returns the number of items, valid or not.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Sort reorders the catalog. The sort is stable so ties keep their order.
func (c *Catalog) Sort(by SortKey, ascending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	less := func(a, b *Item) bool {
		switch by {
		case SortByName:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case SortByKind:
			return a.Kind < b.Kind
		case SortByPath:
			return a.Path < b.Path
		default:
			return a.ID < b.ID
		}
	}
	sort.SliceStable(c.items, func(i, j int) bool {
		if ascending {
			return less(c.items[i], c.items[j])
		}
		return less(c.items[j], c.items[i])
	})
}

// Filter returns items whose kind is in kinds (all kinds when empty) and
// whose name contains substr, case-insensitively.
func (c *Catalog) Filter(kinds []Kind, substr string) []Item {
	substr = strings.ToLower(substr)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Item
	for _, it := range c.items {
		if len(kinds) > 0 && !containsKind(kinds, it.Kind) {
			continue
		}
		if substr != "" && !strings.Contains(strings.ToLower(it.Name), substr) {
			continue
		}
		out = append(out, *it)
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Remove deletes an item. It is refused with ErrInUse while any clip in the
// timeline references it; the catalog is left untouched in that case.
// refs is consulted without holding the catalog lock.
func (c *Catalog) Remove(id int64, refs Referencer) error {
	if _, ok := c.Get(id); !ok {
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	if refs != nil && refs.References(id) {
		return fmt.Errorf("remove %d: %w", id, ErrInUse)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; !ok {
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	delete(c.byID, id)
	for i, it := range c.items {
		if it.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.overviews.drop(id)

	c.logger.Info().Int64("media_id", id).Msg("removed media")
	return nil
}

// Relocate points a broken item at a new file and marks it valid.
func (c *Catalog) Relocate(id int64, newPath string) (Item, error) {
	abs, err := filepath.Abs(newPath)
	if err != nil {
		return Item{}, fmt.Errorf("relocate %d: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.byID[id]
	if !ok {
		return Item{}, fmt.Errorf("relocate %d: %w", id, ErrNotFound)
	}

	kind := it.Kind
	if kind == KindUnknown {
		kind = KindFromPath(abs)
		if kind == KindUnknown {
			return Item{}, fmt.Errorf("relocate %d: %w", id, ErrUnsupported)
		}
		it.Kind, it.Code = kind, kind.Code()
	}
	if !resolvable(kind, abs) {
		return Item{}, fmt.Errorf("relocate %d to %s: %w", id, newPath, os.ErrNotExist)
	}

	it.Path, it.Resolved = abs, abs
	it.Valid, it.Problem = true, ""
	c.overviews.drop(id)

	c.logger.Info().Int64("media_id", id).Str("path", abs).Msg("relocated media")
	return *it, nil
}

// Reset removes every item and restarts id allocation.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.byID = make(map[int64]*Item)
	c.nextID = 1
	c.overviews.reset()
}

// Paths returns the resolved path of every item.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.items))
	for _, it := range c.items {
		if it.Resolved != "" {
			out = append(out, it.Resolved)
		}
	}
	return out
}

// setValidByPath flips the validity of every item backed by path and
// returns the ids that changed.
func (c *Catalog) setValidByPath(path string, valid bool) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []int64
	for _, it := range c.items {
		if it.Resolved != path || it.Valid == valid || it.Kind == KindUnknown {
			continue
		}
		it.Valid = valid
		if valid {
			it.Problem = ""
		} else {
			it.Problem = "file not found"
		}
		changed = append(changed, it.ID)
	}
	return changed
}

// resolvable reports whether a path can be opened for kind. Image sequences
// are patterns, so only their directory has to exist.
func resolvable(kind Kind, path string) bool {
	if path == "" {
		return false
	}
	if kind == KindImageSequence {
		info, err := os.Stat(filepath.Dir(path))
		return err == nil && info.IsDir()
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Overview returns the item's probe data, thumbnails and waveform, computing
// them on first use.
func (c *Catalog) Overview(ctx context.Context, id int64) (*Overview, error) {
	it, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("overview %d: %w", id, ErrNotFound)
	}
	if !it.Valid {
		return nil, &MissingError{ID: it.ID, Name: it.Name, Path: it.Path, Reason: it.Problem}
	}
	if c.prober == nil {
		return nil, fmt.Errorf("overview %d: no prober configured", id)
	}
	return c.overviews.get(ctx, it, func(ctx context.Context) (*Overview, error) {
		return buildOverview(ctx, c.prober, it, c.opts)
	})
}

// Package whitelist caches the per-module indirect-branch whitelists built by
// the PE extractor and persists them to a flat binary dump.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zboralski/cfiwatch/internal/log"
	"github.com/zboralski/cfiwatch/internal/pe"
)

// ErrNotFound is returned by Resolve when no candidate path yields a
// parseable image.
var ErrNotFound = errors.New("module not found")

// ModuleRecord is the cached whitelist of one module. Set holds addresses
// relative to the module's load base.
type ModuleRecord struct {
	Name        string
	ImageBase   uint32
	RelocCount  uint32
	ExportCount uint32
	Heuristic   bool
	Path        string // host path it was extracted from, empty when loaded from a dump

	Set *AddressSet
}

// Contains reports whether rva is a legitimate target inside the module.
func (r *ModuleRecord) Contains(rva uint32) bool {
	return r != nil && r.Set.Contains(rva)
}

// Persistable reports whether the record carries any information worth
// writing to a dump.
func (r *ModuleRecord) Persistable() bool {
	return r.RelocCount != 0 || r.ExportCount != 0
}

// NewRecord builds a record from extracted tables. Every table value is
// converted to an offset from the preferred image base; values below the
// base cannot be rebased and are dropped.
func NewRecord(name string, t *pe.Tables) *ModuleRecord {
	r := &ModuleRecord{
		Name:        Normalize(name),
		ImageBase:   t.ImageBase,
		RelocCount:  uint32(len(t.Relocs)),
		ExportCount: uint32(len(t.Exports)),
		Heuristic:   t.Heuristic,
		Set:         NewAddressSet(len(t.Relocs) + len(t.Exports)),
	}
	for _, tab := range [][]uint32{t.Relocs, t.Exports} {
		for _, v := range tab {
			if v >= t.ImageBase {
				r.Set.Add(v - t.ImageBase)
			}
		}
	}
	return r
}

// Normalize returns the cache key for a module name or path: the lower-cased
// base name. Both guest (backslash) and host separators are accepted.
func Normalize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.ToLower(path.Base(name))
}

// ExtractFunc produces branch-target tables for an image on disk.
type ExtractFunc func(path string) (*pe.Tables, error)

// Store maps normalized module names to their records.
type Store struct {
	mu      sync.RWMutex
	records map[string]*ModuleRecord

	extract ExtractFunc
	log     *log.Logger
}

// NewStore returns an empty store that extracts with pe.Extract.
func NewStore(l *log.Logger) *Store {
	return &Store{
		records: make(map[string]*ModuleRecord),
		extract: pe.Extract,
		log:     log.OrNop(l).WithCategory("whitelist"),
	}
}

// SetExtractor replaces the extraction function.
func (s *Store) SetExtractor(fn ExtractFunc) {
	s.mu.Lock()
	s.extract = fn
	s.mu.Unlock()
}

// Get returns the cached record for name.
func (s *Store) Get(name string) (*ModuleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[Normalize(name)]
	return r, ok
}

// Put caches r unless a record with the same name exists. It returns the
// record now cached under that name.
func (s *Store) Put(r *ModuleRecord) *ModuleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[r.Name]; ok {
		return old
	}
	s.records[r.Name] = r
	return r
}

// Resolve returns the record for name, extracting it from the first
// candidate path that parses on a cache miss. Failures are not cached.
func (s *Store) Resolve(name string, candidates []string) (*ModuleRecord, error) {
	key := Normalize(name)
	if r, ok := s.Get(key); ok {
		s.log.ModuleResolved(key, r.Path, r.Set.Len(), true)
		return r, nil
	}

	s.mu.RLock()
	extract := s.extract
	s.mu.RUnlock()

	var last error
	for _, p := range candidates {
		t, err := extract(p)
		if err != nil {
			last = err
			continue
		}
		r := NewRecord(key, t)
		r.Path = p
		r = s.Put(r)
		s.log.ModuleResolved(key, r.Path, r.Set.Len(), false)
		if t.Heuristic {
			s.log.Debug("no relocation table, used code scan", zap.String("module", key))
		}
		return r, nil
	}

	if last == nil {
		return nil, fmt.Errorf("%w: %s (no candidate paths)", ErrNotFound, key)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, key, last)
}

// Names returns the cached module names in order.
func (s *Store) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.records))
	for n := range s.records {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]*ModuleRecord)
	s.mu.Unlock()
}

// Prebuild extracts the given images concurrently and caches their records.
// Per-file failures are logged and skipped. It returns the number of newly
// cached records.
func (s *Store) Prebuild(ctx context.Context, paths []string, workers int) (int, error) {
	if workers <= 0 {
		workers = 4
	}
	s.mu.RLock()
	extract := s.extract
	s.mu.RUnlock()

	var (
		mu    sync.Mutex
		added int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range paths {
		if gctx.Err() != nil {
			break
		}
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, ok := s.Get(p); ok {
				return nil
			}
			t, err := extract(p)
			if err != nil {
				s.log.Debug("skip image", zap.String("path", p), zap.Error(err))
				return nil
			}
			r := NewRecord(p, t)
			r.Path = p
			if s.Put(r) == r {
				mu.Lock()
				added++
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return added, err
}

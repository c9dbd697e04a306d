// Package cache implements the content-addressed JSON file caches used by the
// diarization pipeline: one directory per concern (diarization results,
// separation results, LLM responses, role analyses), each holding
// `<key>.json` files with a time-to-live.
//
// The caches are a best-effort optimization. Read errors of any kind are
// reported as a miss; write errors are logged and swallowed by callers. A
// stale entry is deleted the moment a read observes it.
package cache

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTTL is how long an entry stays valid unless the store is configured
// otherwise.
const DefaultTTL = 30 * 24 * time.Hour

// Store is a single cache directory of JSON entries. Keys are opaque strings
// already sanitized by the derivation helpers in this package; the store maps
// each to `<dir>/<key>.json`.
//
// Concurrent use is safe under the per-key single-writer discipline the
// pipeline follows: writes go to a temp file first and are published with an
// atomic rename, so a concurrent reader sees either the old entry, the new
// entry, or a miss.
type Store struct {
	dir string
	ttl time.Duration
	log *slog.Logger
	now func() time.Time
}

// Option is a functional option for [NewStore].
type Option func(*Store)

// WithTTL overrides the entry lifetime. A zero or negative value disables
// expiry entirely, which the LLM cache uses when configured to never expire.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithLogger sets the logger used for swallowed write and cleanup errors.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if necessary) the cache directory at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir: dir,
		ttl: DefaultTTL,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", dir, err)
	}
	return s, nil
}

// Dir returns the directory the store persists to.
func (s *Store) Dir() string { return s.dir }

// Get looks up key and decodes the stored payload into out. It returns false
// on a miss, a stale entry (which is deleted), or any read error.
func (s *Store) Get(key string, out any) bool {
	path := s.path(key)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if s.ttl > 0 && s.now().Sub(info.ModTime()) > s.ttl {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("cache: delete stale entry failed", "key", key, "error", err)
		}
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.log.Warn("cache: corrupt entry treated as miss", "key", key, "error", err)
		return false
	}
	return true
}

// Put stores v under key, replacing any existing entry. The payload is
// written to a temp file in the same directory and published with a rename.
func (s *Store) Put(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: publish %s: %w", key, err)
	}
	return nil
}

// InvalidateAll removes every entry and reports how many were deleted.
func (s *Store) InvalidateAll() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: read dir %s: %w", s.dir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.log.Warn("cache: invalidate entry failed", "name", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ExportAll writes a zip archive of every JSON entry to w. Entries are stored
// under prefix/ inside the archive so multiple stores can share one archive.
func (s *Store) ExportAll(w *zip.Writer, prefix string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("cache: read dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		src, err := os.Open(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("cache: export skip unreadable entry", "name", e.Name(), "error", err)
			continue
		}
		dst, err := w.Create(prefix + "/" + e.Name())
		if err != nil {
			src.Close()
			return fmt.Errorf("cache: archive entry %s: %w", e.Name(), err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return fmt.Errorf("cache: copy entry %s: %w", e.Name(), err)
		}
		src.Close()
	}
	return nil
}

// Len reports the number of live (non-stale) entries. Used by health checks.
func (s *Store) Len() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if s.ttl > 0 {
			if info, err := e.Info(); err == nil && s.now().Sub(info.ModTime()) > s.ttl {
				continue
			}
		}
		n++
	}
	return n
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

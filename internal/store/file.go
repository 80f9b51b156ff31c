package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kiranshivaraju/lumina/pkg/models"
)

const fileFormatVersion = "1.0"

// document is the on-disk layout of the JSON backend.
type document struct {
	Licenses []*models.License `json:"licenses"`
	Metadata fileMetadata      `json:"metadata"`
}

type fileMetadata struct {
	Version       string    `json:"version"`
	TotalLicenses int       `json:"total_licenses"`
	LastUpdated   time.Time `json:"last_updated"`
}

// FileStore keeps every license in one JSON document. The document is held
// in memory and reloaded whenever the file changed since it was last read,
// so several processes (the server and luminactl) can share one path. Every
// operation runs under the in-process mutex and an advisory lock on the
// path+".lock" sidecar: shared for reads, exclusive for writes. A mutation
// builds the next state, flushes it to disk and only then swaps it in.
type FileStore struct {
	path string
	now  func() time.Time

	mu       sync.Mutex
	lock     *os.File
	gen      uint64
	loaded   os.FileInfo
	licenses []*models.License
	index    map[string]int
}

// OpenFile loads the document at path, creating it (and its directory) when
// missing.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, unavailable("open lock file", err)
	}

	s := &FileStore{path: path, now: time.Now, lock: lock, index: map[string]int{}}
	err = s.locked(context.Background(), true, func() error {
		if s.loaded == nil {
			return s.flush(nil)
		}
		return nil
	})
	if err != nil {
		lock.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(s.path)
	if err != nil {
		return unavailable("stat license file", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.lock.Close()
}

func (s *FileStore) Get(ctx context.Context, key string) (*models.License, error) {
	var out *models.License
	err := s.locked(ctx, false, func() error {
		i, ok := s.index[key]
		if !ok {
			return ErrNotFound
		}
		out = s.licenses[i].Clone()
		return nil
	})
	return out, err
}

func (s *FileStore) Create(ctx context.Context, l *models.License) error {
	return s.locked(ctx, true, func() error {
		if _, ok := s.index[l.Key]; ok {
			return ErrDuplicateKey
		}
		rec := l.Clone()
		rec.Normalize()

		next := append(slices.Clone(s.licenses), rec)
		return s.commit(ctx, next)
	})
}

func (s *FileStore) Update(ctx context.Context, l *models.License) error {
	return s.locked(ctx, true, func() error {
		i, ok := s.index[l.Key]
		if !ok {
			return ErrNotFound
		}
		rec := l.Clone()
		rec.Normalize()
		touch(rec, s.now())

		next := slices.Clone(s.licenses)
		next[i] = rec
		if err := s.commit(ctx, next); err != nil {
			return err
		}
		l.UpdatedAt = rec.UpdatedAt
		return nil
	})
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.locked(ctx, true, func() error {
		i, ok := s.index[key]
		if !ok {
			return ErrNotFound
		}
		next := slices.Delete(slices.Clone(s.licenses), i, i+1)
		return s.commit(ctx, next)
	})
}

// List snapshots the matching licenses under the lock and yields them after
// releasing it.
func (s *FileStore) List(ctx context.Context, filter Filter) iter.Seq2[*models.License, error] {
	return func(yield func(*models.License, error) bool) {
		var snapshot []*models.License
		err := s.locked(ctx, false, func() error {
			for _, l := range s.licenses {
				if filter.match(l) {
					snapshot = append(snapshot, l.Clone())
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, l := range snapshot {
			if !yield(l, nil) {
				return
			}
		}
	}
}

func (s *FileStore) AtomicUpdate(ctx context.Context, key string, fn MutateFunc) (*models.License, error) {
	var out *models.License
	err := s.locked(ctx, true, func() error {
		i, ok := s.index[key]
		if !ok {
			return ErrNotFound
		}
		rec := s.licenses[i].Clone()
		if err := fn(rec); err != nil {
			return err
		}
		rec.Key = key
		rec.Normalize()
		touch(rec, s.now())

		next := slices.Clone(s.licenses)
		next[i] = rec
		if err := s.commit(ctx, next); err != nil {
			return err
		}
		out = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// locked runs fn holding mu and the sidecar lock, with the in-memory state
// brought up to date with the file first.
func (s *FileStore) locked(ctx context.Context, exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := acquireFileLock(ctx, s.lock, exclusive); err != nil {
		return err
	}
	defer func() {
		if err := unlockFile(s.lock); err != nil {
			slog.Warn("release license file lock failed", "path", s.path, "error", err)
		}
	}()

	if err := s.reload(); err != nil {
		return err
	}
	return fn()
}

// reload re-reads the document when another writer bumped the generation
// or the file was replaced behind the lock's back. Callers hold the sidecar
// lock.
func (s *FileStore) reload() error {
	gen, err := readGeneration(s.lock)
	if err != nil {
		return unavailable("read lock file", err)
	}
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.loaded = nil
		s.licenses = nil
		s.gen = gen
		s.reindex()
		return nil
	case err != nil:
		return unavailable("stat license file", err)
	}
	if s.loaded != nil && gen == s.gen && sameVersion(s.loaded, info) {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return unavailable("read license file", err)
	}
	var doc document
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode license file %s: %w", s.path, err)
		}
	}
	for _, l := range doc.Licenses {
		l.Normalize()
	}
	s.licenses = doc.Licenses
	s.reindex()
	s.gen = gen
	s.loaded = info
	return nil
}

// sameVersion reports whether b is the file a was taken from, unchanged.
// Timestamps are coarse and inodes get reused, so this only catches writers
// that skip the lock; the generation covers the rest.
func sameVersion(a, b os.FileInfo) bool {
	return os.SameFile(a, b) && a.ModTime().Equal(b.ModTime()) && a.Size() == b.Size()
}

// commit persists next and installs it as the current state. Callers hold
// the exclusive lock. A cancelled context aborts before anything touches the
// disk.
func (s *FileStore) commit(ctx context.Context, next []*models.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.licenses = next
	s.reindex()
	return nil
}

// flush writes the document through a temp file and rename so readers of the
// file never observe a half-written document.
func (s *FileStore) flush(licenses []*models.License) error {
	if licenses == nil {
		licenses = []*models.License{}
	}
	doc := document{
		Licenses: licenses,
		Metadata: fileMetadata{
			Version:       fileFormatVersion,
			TotalLicenses: len(licenses),
			LastUpdated:   s.now().UTC(),
		},
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode license file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return unavailable("create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return unavailable("write license file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return unavailable("sync license file", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close license file", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return unavailable("replace license file", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return unavailable("stat license file", err)
	}
	s.loaded = info
	s.gen++
	if err := writeGeneration(s.lock, s.gen); err != nil {
		return unavailable("write lock file", err)
	}
	return nil
}

func (s *FileStore) reindex() {
	clear(s.index)
	for i, l := range s.licenses {
		s.index[l.Key] = i
	}
}

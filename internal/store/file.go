package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spotdesk/assistant/internal/metrics"
)

// fileLocks holds one mutex per absolute document path so that every
// FileStore opened on the same file shares the same lock.
var fileLocks = struct {
	mu    sync.Mutex
	paths map[string]*sync.Mutex
}{paths: make(map[string]*sync.Mutex)}

func lockFor(path string) *sync.Mutex {
	fileLocks.mu.Lock()
	defer fileLocks.mu.Unlock()

	l, ok := fileLocks.paths[path]
	if !ok {
		l = &sync.Mutex{}
		fileLocks.paths[path] = l
	}
	return l
}

// FileStore implements Store as a JSON object on disk. Writes go to a
// temporary file in the same directory and are renamed into place, so a
// reader sees either the old or the new document, never a partial one.
type FileStore[V any] struct {
	path string
	name string
	mu   *sync.Mutex
}

// NewFileStore creates a store backed by the JSON file at path. The parent
// directory is created if needed; the file itself is created on first save.
func NewFileStore[V any](name, path string) (*FileStore[V], error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir for %s: %w", name, err)
	}
	return &FileStore[V]{path: abs, name: name, mu: lockFor(abs)}, nil
}

// Path returns the absolute document path.
func (s *FileStore[V]) Path() string { return s.path }

func (s *FileStore[V]) Load(_ context.Context) (map[string]V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore[V]) Save(_ context.Context, data map[string]V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(normalizeKeys(data))
}

func (s *FileStore[V]) SetOne(ctx context.Context, symbol string, value V) error {
	return s.Update(ctx, func(data map[string]V) error {
		data[NormalizeSymbol(symbol)] = value
		return nil
	})
}

func (s *FileStore[V]) Delete(ctx context.Context, symbol string) error {
	return s.Update(ctx, func(data map[string]V) error {
		delete(data, NormalizeSymbol(symbol))
		return nil
	})
}

func (s *FileStore[V]) Update(_ context.Context, fn func(map[string]V) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return s.write(normalizeKeys(data))
}

// read loads the document; caller holds mu.
func (s *FileStore[V]) read() (map[string]V, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]V), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s store: %w", s.name, err)
	}

	var data map[string]V
	if err := json.Unmarshal(raw, &data); err != nil {
		// Corrupt state is recovered as empty; the file is replaced on the
		// next successful save.
		slog.Warn("entry store unreadable, treating as empty",
			"store", s.name,
			"path", s.path,
			"err", err,
		)
		metrics.CorruptStoreLoads.WithLabelValues(s.name).Inc()
		return make(map[string]V), nil
	}
	return normalizeKeys(data), nil
}

// write replaces the document atomically; caller holds mu.
func (s *FileStore[V]) write(data map[string]V) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s store: %w", s.name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s store: %w", s.name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s store: %w", s.name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s store: %w", s.name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s store: %w", s.name, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s store: %w", s.name, err)
	}
	return nil
}

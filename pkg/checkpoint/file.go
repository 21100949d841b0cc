package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// FileStore keeps all pairs in one JSON document:
//
//	{"WPLS/DAI": {"price0CumulativeLast": "...", "price1CumulativeLast": "...", "blockTimestampLast": "..."}}
//
// Keys it does not know about, and unknown fields inside entries, are carried
// over on every write.
type FileStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first write.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Path of the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) location() string {
	if abs, err := filepath.Abs(s.path); err == nil {
		return abs
	}
	return s.path
}

// load reads the raw document. A missing file is an empty document.
func (s *FileStore) load() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file %s: %w", s.path, err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &CorruptCheckpointError{Location: s.location(), Err: err}
	}
	if doc == nil {
		// "null" on disk
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}

// save replaces the file atomically: temp file in the same directory, fsync, rename.
func (s *FileStore) save(doc map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace checkpoint file: %w", err)
	}
	return nil
}

func (s *FileStore) Read(_ context.Context, key string) (pool.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return pool.Snapshot{}, false, err
	}
	raw, ok := doc[key]
	if !ok {
		return pool.Snapshot{}, false, nil
	}
	snap, err := decodeEntry(s.location(), key, raw)
	if err != nil {
		s.logger.Error("Checkpoint entry is unreadable; delete it (or the file) to bootstrap again",
			zap.String("path", s.location()),
			zap.String("pair", key),
			zap.Error(err))
		return pool.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Write refuses to touch a document it cannot parse, so a damaged file is never
// silently replaced.
func (s *FileStore) Write(_ context.Context, key string, snap pool.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	raw, err := mergeEntry(doc[key], snap)
	if err != nil {
		return err
	}
	doc[key] = raw
	if err := s.save(doc); err != nil {
		return err
	}
	s.logger.Info("Checkpoint updated", zap.String("pair", key), zap.String("path", s.location()))
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.save(doc)
}

// List decodes every checkpoint entry. Objects without any checkpoint field are
// skipped; damaged checkpoints fail the call.
func (s *FileStore) List(_ context.Context) (map[string]pool.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	raw := make(map[string][]byte, len(doc))
	for k, v := range doc {
		raw[k] = v
	}
	return decodeEntries(s.location(), raw)
}

func (s *FileStore) Close() error { return nil }

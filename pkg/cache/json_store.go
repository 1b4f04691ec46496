package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/fsutil"
	"exceltranslator/pkg/logger"
)

// JSONFileName is the cache file created inside the cache directory.
const JSONFileName = "translation_cache.json"

// JSONStore keeps every entry in memory and rewrites one JSON file on Flush
// via an atomic replace. A process killed mid-flush leaves the previous file.
type JSONStore struct {
	path   string
	logger *logger.Logger
	now    func() time.Time

	flushMu sync.Mutex
	mu      sync.RWMutex
	entries map[string]Entry
	version uint64 // bumped on every mutation
	saved   uint64 // version last written to disk
}

// OpenJSONStore loads dir/translation_cache.json. An unreadable or corrupt
// file is moved aside and the store starts empty.
func OpenJSONStore(dir string, log *logger.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.Wrap(err, apperr.Persistence, "create cache directory").With("dir", dir)
	}

	s := &JSONStore{
		path:    filepath.Join(dir, JSONFileName),
		logger:  log,
		now:     time.Now,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, apperr.Wrap(err, apperr.Persistence, "read cache file").With("path", s.path)
	}

	if err := s.decode(data); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().Format("20060102_150405"))
		log.Warnf("Cache file %s is corrupt (%v), moving it to %s", s.path, err, aside)
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			log.Warnf("Failed to move corrupt cache file: %v", renameErr)
		}
		s.entries = make(map[string]Entry)
		return s, nil
	}

	log.Infof("Loaded %d translations from cache %s", len(s.entries), s.path)
	return s, nil
}

// decode accepts both the entry format and a flat fingerprint -> text map.
func (s *JSONStore) decode(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for fp, msg := range raw {
		var entry Entry
		if err := json.Unmarshal(msg, &entry); err != nil {
			var text string
			if err := json.Unmarshal(msg, &text); err != nil {
				return fmt.Errorf("entry %s: %w", fp, err)
			}
			entry.TranslatedText = text
		}
		entry.Fingerprint = fp
		s.entries[fp] = entry
	}
	return nil
}

func (s *JSONStore) Lookup(fingerprint string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fingerprint]
	return e, ok
}

func (s *JSONStore) Insert(fingerprint, translatedText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fingerprint]; ok {
		return nil
	}
	s.entries[fingerprint] = Entry{
		Fingerprint:    fingerprint,
		TranslatedText: translatedText,
		CreatedAt:      s.now().UTC(),
	}
	s.version++
	return nil
}

func (s *JSONStore) Clear() error {
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	s.version++
	s.mu.Unlock()
	return s.Flush()
}

func (s *JSONStore) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	if s.version == s.saved {
		s.mu.RUnlock()
		return nil
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	count := len(s.entries)
	version := s.version
	s.mu.RUnlock()
	if err != nil {
		return apperr.Wrap(err, apperr.Persistence, "encode cache")
	}

	if err := fsutil.WriteFileAtomic(s.path, data, 0644); err != nil {
		return apperr.Wrap(err, apperr.Persistence, "write cache file").With("path", s.path)
	}

	s.mu.Lock()
	if version > s.saved {
		s.saved = version
	}
	s.mu.Unlock()

	s.logger.Debugf("Saved %d translations to cache", count)
	return nil
}

func (s *JSONStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *JSONStore) Close() error {
	return s.Flush()
}

// Path returns the cache file location.
func (s *JSONStore) Path() string { return s.path }

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/logger"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// SQLiteFileName is the database created inside the cache directory.
const SQLiteFileName = "translation_cache.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS translations (
	fingerprint     TEXT PRIMARY KEY,
	translated_text TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);`

// SQLiteStore writes every insert straight to a WAL-mode SQLite database and
// keeps recently used entries in an LRU.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	memory *lru.Cache[string, Entry]
	logger *logger.Logger
	now    func() time.Time
}

// OpenSQLiteStore opens (creating if needed) dir/translation_cache.db.
// memoryEntries bounds the LRU; values below 1 default to 1024.
func OpenSQLiteStore(dir string, memoryEntries int, log *logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(err, apperr.Persistence, "create cache directory").With("dir", dir)
	}
	if memoryEntries < 1 {
		memoryEntries = 1024
	}

	path := filepath.Join(dir, SQLiteFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Persistence, "open sqlite").With("path", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	memory, err := lru.New[string, Entry](memoryEntries)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lru: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, memory: memory, logger: log, now: time.Now}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened sqlite cache %s with %d translations", path, s.Len())
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
		sqliteSchema,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(err, apperr.Persistence, "initialise sqlite cache").With("stmt", stmt)
		}
	}
	return nil
}

func (s *SQLiteStore) Lookup(fingerprint string) (Entry, bool) {
	if e, ok := s.memory.Get(fingerprint); ok {
		return e, true
	}

	var e Entry
	err := s.db.QueryRow(
		`SELECT translated_text, created_at FROM translations WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.TranslatedText, &e.CreatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warnf("Cache lookup for %s failed: %v", fingerprint, err)
		}
		return Entry{}, false
	}
	e.Fingerprint = fingerprint
	s.memory.Add(fingerprint, e)
	return e, true
}

func (s *SQLiteStore) Insert(fingerprint, translatedText string) error {
	e := Entry{
		Fingerprint:    fingerprint,
		TranslatedText: translatedText,
		CreatedAt:      s.now().UTC(),
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO translations (fingerprint, translated_text, created_at) VALUES (?, ?, ?)`,
		e.Fingerprint, e.TranslatedText, e.CreatedAt,
	); err != nil {
		return apperr.Wrap(err, apperr.Persistence, "insert cache entry").With("fingerprint", fingerprint)
	}
	// Re-read so the LRU holds whichever value won the insert.
	s.memory.Remove(fingerprint)
	return nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM translations`); err != nil {
		return apperr.Wrap(err, apperr.Persistence, "clear cache")
	}
	s.memory.Purge()
	return nil
}

// Flush checkpoints the WAL into the main database file.
func (s *SQLiteStore) Flush() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return apperr.Wrap(err, apperr.Persistence, "checkpoint sqlite wal")
	}
	return nil
}

func (s *SQLiteStore) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM translations`).Scan(&n); err != nil {
		s.logger.Warnf("Cache count failed: %v", err)
		return 0
	}
	return n
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil {
		return apperr.Wrap(err, apperr.Persistence, "close sqlite cache")
	}
	return flushErr
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

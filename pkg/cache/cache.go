// Package cache persists translations keyed by a fingerprint of the source
// text and its translation context.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/logger"
)

// Entry is one cached translation. Entries are insert-only: once a
// fingerprint has a value it keeps it until the store is cleared.
type Entry struct {
	Fingerprint    string    `json:"-"`
	TranslatedText string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the persistent fingerprint -> translation mapping.
//
// Insert never replaces an existing entry. Implementations must be safe for
// concurrent use; inserts for distinct fingerprints must not interfere.
type Store interface {
	Lookup(fingerprint string) (Entry, bool)
	// Insert records a translation. A returned error is an apperr.Persistence
	// error; the caller may keep using the value in memory.
	Insert(fingerprint, translatedText string) error
	Clear() error
	// Flush makes every insert since the previous flush durable.
	Flush() error
	Len() int
	Close() error
}

// Fingerprint digests text together with the language pair and context so a
// translation made for one context is never served to another. Fields are
// length-prefixed before hashing, so no two distinct tuples share an input.
func Fingerprint(text, sourceLang, targetLang, context string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, field := range []string{sourceLang, targetLang, context, text} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
		h.Write(lenBuf[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Keyer binds Fingerprint to a fixed language pair and context.
type Keyer struct {
	SourceLang string
	TargetLang string
	Context    string
}

func (k Keyer) Key(text string) string {
	return Fingerprint(text, k.SourceLang, k.TargetLang, k.Context)
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir string, memoryEntries int, log *logger.Logger) (Store, error) {
	switch backend {
	case BackendJSON, "":
		return OpenJSONStore(dir, log)
	case BackendSQLite:
		return OpenSQLiteStore(dir, memoryEntries, log)
	default:
		return nil, apperr.Configf("unknown cache backend %q", backend)
	}
}

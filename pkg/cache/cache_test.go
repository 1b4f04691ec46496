package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("你好", "zh", "en", "spreadsheet")
	b := Fingerprint("你好", "zh", "en", "spreadsheet")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintSeparatesContexts(t *testing.T) {
	base := Fingerprint("你好", "zh", "en", "spreadsheet")
	for name, other := range map[string]string{
		"text":    Fingerprint("你好!", "zh", "en", "spreadsheet"),
		"source":  Fingerprint("你好", "ja", "en", "spreadsheet"),
		"target":  Fingerprint("你好", "zh", "fr", "spreadsheet"),
		"context": Fingerprint("你好", "zh", "en", "financial report"),
	} {
		assert.NotEqual(t, base, other, name)
	}

	// Field boundaries are length-prefixed, so shifting bytes between fields
	// still changes the digest.
	assert.NotEqual(t,
		Fingerprint("b", "zh", "en", "a"),
		Fingerprint("", "zh", "en", "ab"),
	)
}

func TestKeyerMatchesFingerprint(t *testing.T) {
	k := Keyer{SourceLang: "zh", TargetLang: "en", Context: "ctx"}
	assert.Equal(t, Fingerprint("表", "zh", "en", "ctx"), k.Key("表"))
}

// storeFactories runs the behavioural suite against both backends.
func storeFactories() map[string]func(t *testing.T, dir string) Store {
	return map[string]func(t *testing.T, dir string) Store{
		BackendJSON: func(t *testing.T, dir string) Store {
			s, err := OpenJSONStore(dir, logger.Discard())
			require.NoError(t, err)
			return s
		},
		BackendSQLite: func(t *testing.T, dir string) Store {
			s, err := OpenSQLiteStore(dir, 8, logger.Discard())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreSurvivesRestart(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(t, dir)
			require.NoError(t, s.Insert("fp1", "Hello"))
			require.NoError(t, s.Flush())
			require.NoError(t, s.Close())

			reopened := open(t, dir)
			defer reopened.Close()
			e, ok := reopened.Lookup("fp1")
			require.True(t, ok)
			assert.Equal(t, "Hello", e.TranslatedText)
			assert.Equal(t, "fp1", e.Fingerprint)
			assert.False(t, e.CreatedAt.IsZero())
		})
	}
}

func TestStoreInsertNeverReplaces(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			require.NoError(t, s.Insert("fp", "first"))
			require.NoError(t, s.Insert("fp", "second"))

			e, ok := s.Lookup("fp")
			require.True(t, ok)
			assert.Equal(t, "first", e.TranslatedText)
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestStoreClear(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(t, dir)
			require.NoError(t, s.Insert("fp", "x"))
			require.NoError(t, s.Flush())
			require.NoError(t, s.Clear())

			_, ok := s.Lookup("fp")
			assert.False(t, ok)
			require.NoError(t, s.Close())

			reopened := open(t, dir)
			defer reopened.Close()
			assert.Equal(t, 0, reopened.Len())
		})
	}
}

func TestStoreConcurrentInserts(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := open(t, t.TempDir())
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					fp := fmt.Sprintf("fp-%d", i%25)
					assert.NoError(t, s.Insert(fp, fmt.Sprintf("text-%d", i%25)))
				}(i)
			}
			wg.Wait()
			require.NoError(t, s.Flush())

			assert.Equal(t, 25, s.Len())
			for i := 0; i < 25; i++ {
				e, ok := s.Lookup(fmt.Sprintf("fp-%d", i))
				require.True(t, ok)
				assert.Equal(t, fmt.Sprintf("text-%d", i), e.TranslatedText)
			}
		})
	}
}

func TestJSONStoreReadsFlatLegacyFile(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"abc": "Hello", "def": "World"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONFileName), []byte(legacy), 0644))

	s, err := OpenJSONStore(dir, logger.Discard())
	require.NoError(t, err)
	e, ok := s.Lookup("def")
	require.True(t, ok)
	assert.Equal(t, "World", e.TranslatedText)
}

func TestJSONStoreMovesCorruptFileAside(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONFileName), []byte(`{"abc": `), 0644))

	s, err := OpenJSONStore(dir, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	matches, err := filepath.Glob(filepath.Join(dir, JSONFileName+".corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestJSONStoreFlushIsNoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenJSONStore(dir, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, s.Flush())
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing inserted, nothing written")
}

func TestJSONStoreFlushFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenJSONStore(dir, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Insert("fp", "x"))

	// A directory at the target path makes the rename fail.
	require.NoError(t, os.Mkdir(s.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(), "keep"), nil, 0644))

	err = s.Flush()
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.Persistence))

	e, ok := s.Lookup("fp")
	require.True(t, ok, "value stays usable in memory")
	assert.Equal(t, "x", e.TranslatedText)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir(), 0, logger.Discard())
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.Configuration))
}

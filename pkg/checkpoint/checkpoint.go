// Package checkpoint periodically makes a run's progress durable: it flushes
// the translation cache, snapshots the partially translated workbook and
// records how far the run got, so an interrupted run can be resumed.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"exceltranslator/pkg/apperr"
	"exceltranslator/pkg/cache"
	"exceltranslator/pkg/fsutil"
	"exceltranslator/pkg/logger"
)

const formatVersion = 1

// RunCheckpoint is the durable record of an unfinished (or finished) run.
type RunCheckpoint struct {
	Version             int       `json:"version"`
	ProcessedCount      int       `json:"processed_count"`
	TotalCount          int       `json:"total_count"`
	CacheSnapshotRef    string    `json:"cache_snapshot_ref"`
	DocumentSnapshotRef string    `json:"document_snapshot_ref"`
	Timestamp           time.Time `json:"timestamp"`
	Completed           bool      `json:"completed"`

	// Identity of the run; a checkpoint only resumes the run it was made for.
	InputPath   string `json:"input_path"`
	InputDigest string `json:"input_digest"`
	Settings    string `json:"settings"`
}

// Identity describes the run a Manager checkpoints.
type Identity struct {
	InputPath   string
	InputDigest string
	// Settings is an opaque summary of anything that changes the output,
	// such as the language pair and context.
	Settings string
}

// DigestFile returns the sha256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PathFor is where the checkpoint record of an output file lives.
func PathFor(output string) string {
	return output + ".checkpoint.json"
}

// Options configure a Manager.
type Options struct {
	Path         string // checkpoint record file
	Interval     int    // checkpoint every Interval processed tasks
	Store        cache.Store
	CacheRef     string
	DocumentPath string
	// Snapshot writes the partially translated document to DocumentPath.
	// It must replace the file atomically.
	Snapshot func() error
	Identity Identity
	Logger   *logger.Logger
	Now      func() time.Time
}

// Manager writes checkpoints. It is safe for concurrent use; checkpoints are
// serialized.
type Manager struct {
	opts Options

	mu        sync.Mutex
	processed int
	total     int
	boundary  int
}

func NewManager(opts Options) *Manager {
	if opts.Interval < 1 {
		opts.Interval = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Manager{opts: opts}
}

// Begin resets the counters for a run over total tasks.
func (m *Manager) Begin(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.processed = 0
	m.boundary = 0
}

// MaybeCheckpoint records progress and checkpoints when processed crosses an
// interval boundary. Failures are Persistence errors and never fatal.
func (m *Manager) MaybeCheckpoint(processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = processed
	b := processed / m.opts.Interval
	if b <= m.boundary {
		return nil
	}
	m.boundary = b
	return m.checkpointLocked(false)
}

// CheckpointNow checkpoints unconditionally at the last recorded progress.
func (m *Manager) CheckpointNow() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked(false)
}

// Complete writes the final checkpoint. A completed checkpoint is never
// offered for resumption. No snapshot is taken: the caller has already saved
// the finished document.
func (m *Manager) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = m.total
	return m.checkpointLocked(true)
}

func (m *Manager) checkpointLocked(completed bool) error {
	var errs []error

	if err := m.opts.Store.Flush(); err != nil {
		m.opts.Logger.Errorf("Checkpoint: cache flush failed: %v", err)
		errs = append(errs, err)
	}
	if m.opts.Snapshot != nil && !completed {
		if err := m.opts.Snapshot(); err != nil {
			m.opts.Logger.Errorf("Checkpoint: document snapshot failed: %v", err)
			errs = append(errs, err)
		}
	}

	cp := RunCheckpoint{
		Version:             formatVersion,
		ProcessedCount:      m.processed,
		TotalCount:          m.total,
		CacheSnapshotRef:    m.opts.CacheRef,
		DocumentSnapshotRef: m.opts.DocumentPath,
		Timestamp:           m.opts.Now().UTC(),
		Completed:           completed,
		InputPath:           m.opts.Identity.InputPath,
		InputDigest:         m.opts.Identity.InputDigest,
		Settings:            m.opts.Identity.Settings,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(m.opts.Path, data, 0o644)
	}
	if err != nil {
		m.opts.Logger.Errorf("Checkpoint: writing %s failed: %v", m.opts.Path, err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return apperr.Wrap(errors.Join(errs...), apperr.Persistence, "checkpoint incomplete").With("path", m.opts.Path)
	}
	m.opts.Logger.Infof("Checkpoint saved: %d/%d processed", m.processed, m.total)
	return nil
}

// Resume returns the checkpoint of a previous unfinished run of the same
// input and settings. Anything else, including an unreadable record, is
// reported as absent.
func (m *Manager) Resume() (*RunCheckpoint, bool) {
	cp, err := Load(m.opts.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.opts.Logger.Warnf("Ignoring unreadable checkpoint %s: %v", m.opts.Path, err)
		}
		return nil, false
	}
	switch {
	case cp.Completed:
		return nil, false
	case cp.Version != formatVersion:
		m.opts.Logger.Warnf("Ignoring checkpoint %s with version %d", m.opts.Path, cp.Version)
		return nil, false
	case cp.InputDigest != m.opts.Identity.InputDigest:
		m.opts.Logger.Warnf("Ignoring checkpoint %s: input file changed since it was written", m.opts.Path)
		return nil, false
	case cp.Settings != m.opts.Identity.Settings:
		m.opts.Logger.Warnf("Ignoring checkpoint %s: translation settings changed", m.opts.Path)
		return nil, false
	}
	return cp, true
}

// Remove deletes the checkpoint record.
func (m *Manager) Remove() error {
	if err := os.Remove(m.opts.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Wrap(err, apperr.Persistence, "remove checkpoint").With("path", m.opts.Path)
	}
	return nil
}

// Load reads a checkpoint record.
func Load(path string) (*RunCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp RunCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Package persistence saves and restores node state and per-node
// traceroute history as JSON, tolerating a missing or corrupted file.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meshgw/tracemapper/internal/tracker"
)

const stateVersion = "1.0"

// HistoryEntry is one recorded traceroute outcome for a node.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	HopCount     int       `json:"hop_count"`
	Route        []string  `json:"route,omitempty"`
	SNRValues    []float64 `json:"snr_values,omitempty"`
	RSSIValues   []float64 `json:"rssi_values,omitempty"`
	DurationMS   float64   `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type stateFile struct {
	Version        string                       `json:"version"`
	LastSaved      time.Time                    `json:"last_saved"`
	Nodes          map[string]tracker.NodeState `json:"nodes"`
	TracerouteHist map[string][]HistoryEntry    `json:"traceroute_history,omitempty"`
}

// Store persists node state and traceroute history to a single JSON file.
type Store struct {
	mu             sync.Mutex
	path           string
	historyPerNode int
	logger         *slog.Logger
	nowFn          func() time.Time
}

// New constructs a Store. historyPerNode caps how many history entries are
// retained per node; nowFn defaults to time.Now when nil.
func New(path string, historyPerNode int, logger *slog.Logger, nowFn func() time.Time) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Store{path: path, historyPerNode: historyPerNode, logger: logger, nowFn: nowFn}
}

// SaveState atomically persists the given node states, preserving any
// existing traceroute history section.
func (s *Store) SaveState(nodes map[string]tracker.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLocked()
	if err != nil {
		s.logger.Warn("could not read existing state before save, starting fresh", "error", err)
		existing = stateFile{Version: stateVersion, Nodes: map[string]tracker.NodeState{}}
	}

	existing.Version = stateVersion
	existing.LastSaved = s.nowFn()
	existing.Nodes = nodes

	if err := s.writeLocked(existing); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.logger.Debug("saved node state", "node_count", len(nodes))

	return nil
}

// LoadState loads node states from disk. A missing file returns an empty
// map with no error; a corrupted file is backed up and also returns an
// empty map with no error, matching the original plugin's resilience.
func (s *Store) LoadState() (map[string]tracker.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.readLocked()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("state file does not exist, starting with empty state", "path", s.path)

			return map[string]tracker.NodeState{}, nil
		}
		var corrupted *corruptedStateError
		if errors.As(err, &corrupted) {
			s.backupCorrupted()

			return map[string]tracker.NodeState{}, nil
		}

		return nil, fmt.Errorf("load state: %w", err)
	}
	if sf.Nodes == nil {
		sf.Nodes = map[string]tracker.NodeState{}
	}
	s.logger.Info("loaded node state", "node_count", len(sf.Nodes))

	return sf.Nodes, nil
}

// corruptedStateError marks a state file that parsed as invalid JSON.
type corruptedStateError struct{ cause error }

func (e *corruptedStateError) Error() string { return fmt.Sprintf("corrupted state file: %v", e.cause) }
func (e *corruptedStateError) Unwrap() error { return e.cause }

func (s *Store) readLocked() (stateFile, error) {
	raw, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		return stateFile{}, err
	}

	var sf stateFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return stateFile{}, &corruptedStateError{cause: err}
	}
	if sf.Version != "" && sf.Version != stateVersion {
		s.logger.Warn("state file version mismatch", "found", sf.Version, "expected", stateVersion)
	}

	return sf, nil
}

func (s *Store) backupCorrupted() {
	backupPath := fmt.Sprintf("%s.corrupted.%s.json", s.path, s.nowFn().Format("20060102_150405"))
	raw, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		s.logger.Error("failed to read corrupted state for backup", "error", err)

		return
	}
	if err := os.WriteFile(backupPath, raw, 0o600); err != nil {
		s.logger.Error("failed to back up corrupted state", "error", err)

		return
	}
	s.logger.Info("backed up corrupted state", "backup_path", backupPath)
}

// AppendHistory records one traceroute outcome for a node, trimming to the
// configured history cap (oldest dropped first).
func (s *Store) AppendHistory(nodeID string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.readLocked()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		var corrupted *corruptedStateError
		if !errors.As(err, &corrupted) {
			return fmt.Errorf("append history: %w", err)
		}
		s.backupCorrupted()
	}
	if sf.Nodes == nil {
		sf.Nodes = map[string]tracker.NodeState{}
	}
	if sf.TracerouteHist == nil {
		sf.TracerouteHist = map[string][]HistoryEntry{}
	}

	hist := append(sf.TracerouteHist[nodeID], entry)
	if s.historyPerNode > 0 && len(hist) > s.historyPerNode {
		hist = hist[len(hist)-s.historyPerNode:]
	}
	sf.TracerouteHist[nodeID] = hist
	sf.Version = stateVersion
	sf.LastSaved = s.nowFn()

	return s.writeLocked(sf)
}

// History returns up to limit of the most recent history entries for a
// node, most recent last. limit <= 0 means unlimited.
func (s *Store) History(nodeID string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.readLocked()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		var corrupted *corruptedStateError
		if errors.As(err, &corrupted) {
			return nil, nil
		}

		return nil, fmt.Errorf("load history: %w", err)
	}

	hist := sf.TracerouteHist[nodeID]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}

	return hist, nil
}

// writeLocked performs the tmp-file-then-rename atomic write. Caller must
// hold mu.
func (s *Store) writeLocked(sf stateFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp state: %w", err)
	}

	return nil
}

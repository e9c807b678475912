// Package storage keeps an on-disk audit trail of failover events.
//
// The journal is write-mostly: entries survive restarts so an operator can see
// what happened, but nothing reads them back into controller state.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"edgefailover/internal/models"
)

// Journal persists failover events as a JSON array, newest last.
type Journal struct {
	mu         sync.RWMutex
	path       string
	maxEntries int
	entries    []models.FailoverEvent
}

// OpenJournal creates the data directory if needed and loads existing entries.
func OpenJournal(path string, maxEntries int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal directory: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	j := &Journal{path: path, maxEntries: maxEntries}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

// Append adds an event, trims the oldest entries beyond the limit and rewrites the file.
func (j *Journal) Append(ev models.FailoverEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, ev)
	if len(j.entries) > j.maxEntries {
		j.entries = j.entries[len(j.entries)-j.maxEntries:]
	}
	return j.persistLocked()
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (j *Journal) Recent(limit int) []models.FailoverEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.FailoverEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, j.entries[i])
	}
	return out
}

// Len returns the number of stored entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *Journal) load() error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read journal: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []models.FailoverEvent
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse journal: %w", err)
	}
	if len(entries) > j.maxEntries {
		entries = entries[len(entries)-j.maxEntries:]
	}
	j.entries = entries
	return nil
}

func (j *Journal) persistLocked() error {
	bytes, err := json.MarshalIndent(j.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", j.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write temp journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace journal file: %w", err)
	}
	return nil
}

// Package sesslog keeps a small on-disk log of recent pty sessions.
package sesslog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one spawned session, open while ExitedAt is zero.
type Record struct {
	ID        string `json:"id"`
	Fd        int    `json:"fd"`
	StartedAt int64  `json:"startedAt"`
	ExitedAt  int64  `json:"exitedAt,omitempty"`
}

type logFile struct {
	Version string   `json:"version"`
	Entries []Record `json:"entries"`
}

// Log is a mutex-guarded session log persisted as a single JSON file.
type Log struct {
	path  string
	limit int

	mu      sync.Mutex
	entries []Record
}

// DefaultPath places the log under the invoking user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".termbridge", "sessions.json")
	}
	return filepath.Join(home, ".termbridge", "sessions.json")
}

// Open loads the log at path, keeping at most limit records. A corrupted
// file is moved aside and the log starts empty.
func Open(path string, limit int) (*Log, error) {
	if limit <= 0 {
		limit = 100
	}
	l := &Log{path: path, limit: limit}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	if len(data) == 0 {
		return l, nil
	}

	var f logFile
	if err := json.Unmarshal(data, &f); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", path, time.Now().Unix())
		_ = os.Rename(path, backup)
		return l, nil
	}
	l.entries = f.Entries
	l.trim()
	return l, nil
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Begin appends a running-session record and persists the log.
func (l *Log) Begin(fd int) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		ID:        uuid.New().String(),
		Fd:        fd,
		StartedAt: time.Now().UnixMilli(),
	}
	l.entries = append(l.entries, rec)
	l.trim()
	if err := l.persist(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Finish stamps the record's exit time and persists the log.
func (l *Log) Finish(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].ExitedAt = time.Now().UnixMilli()
			return l.persist()
		}
	}
	return fmt.Errorf("session %s not in log", id)
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if n > 0 && len(out) >= n {
			break
		}
		out = append(out, l.entries[i])
	}
	return out
}

func (l *Log) trim() {
	if len(l.entries) > l.limit {
		l.entries = append([]Record(nil), l.entries[len(l.entries)-l.limit:]...)
	}
}

// persist writes through a temp file and renames so readers never observe a
// partial log. Callers hold l.mu.
func (l *Log) persist() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create session log dir: %w", err)
	}
	data, err := json.MarshalIndent(logFile{Version: "1.0", Entries: l.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session log: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace session log: %w", err)
	}
	return nil
}

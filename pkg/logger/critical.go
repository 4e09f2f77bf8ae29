package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CriticalEntry is one record in the persistent critical-error log.
type CriticalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Height    uint64    `json:"height,omitempty"`
	Message   string    `json:"message"`
}

// CriticalLog is the append-only persistent error channel. Entries are
// written as JSON lines and synced to disk before Append returns, so a
// crash immediately after a critical failure still leaves the record
// behind for recovery.
type CriticalLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenCriticalLog opens (or creates) the critical log at the given path.
func OpenCriticalLog(path string) (*CriticalLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create critical log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open critical log: %w", err)
	}
	return &CriticalLog{file: file, path: path}, nil
}

// Append writes one entry and syncs it to disk.
func (cl *CriticalLog) Append(component string, height uint64, format string, args ...interface{}) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	entry := CriticalEntry{
		Timestamp: time.Now().UTC(),
		Component: component,
		Height:    height,
		Message:   fmt.Sprintf(format, args...),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal critical entry: %w", err)
	}
	if _, err := cl.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append critical entry: %w", err)
	}
	return cl.file.Sync()
}

// Entries reads the full log back, oldest first.
func (cl *CriticalLog) Entries() ([]CriticalEntry, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	file, err := os.Open(cl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open critical log: %w", err)
	}
	defer file.Close()

	var entries []CriticalEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry CriticalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read critical log: %w", err)
	}
	return entries, nil
}

// Close closes the underlying file.
func (cl *CriticalLog) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.file.Close()
}

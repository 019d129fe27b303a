package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vjranagit/loopstore/pkg/types"
)

// WAL implements a Write-Ahead Log for durability
type WAL struct {
	path     string
	filename string
	file     *os.File
	writer   *bufio.Writer
	mu       sync.Mutex
}

// WALEntry represents a single WAL entry
type WALEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	PatientID string         `json:"patient_id"`
	Series    []types.Series `json:"series"`
}

// Request rebuilds the write request the entry was logged for
func (e *WALEntry) Request() *types.WriteRequest {
	return &types.WriteRequest{
		PatientID: e.PatientID,
		Series:    e.Series,
	}
}

// NewWAL creates a new Write-Ahead Log
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		path:     walPath,
		filename: filename,
		file:     file,
		writer:   bufio.NewWriter(file),
	}, nil
}

// Append appends a write request to the WAL and returns the entry ID
func (w *WAL) Append(req *types.WriteRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := WALEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		PatientID: req.PatientID,
		Series:    req.Series,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.writer.Write(data); err != nil {
		return "", fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return "", fmt.Errorf("failed to write newline: %w", err)
	}

	return entry.ID, nil
}

// Flush flushes the WAL to disk
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return err
	}

	return w.file.Close()
}

// Discard closes the WAL and deletes its file
func (w *WAL) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.filename); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}

// ReplayWAL hands every logged entry to handler, oldest file first, and
// removes each file once all of its entries were handled.
func ReplayWAL(dataPath string, handler func(*WALEntry) error) error {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No WAL to replay
		}
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := filepath.Join(walPath, entry.Name())
		if err := replayWALFile(filename, handler); err != nil {
			return fmt.Errorf("failed to replay %s: %w", filename, err)
		}

		if err := os.Remove(filename); err != nil {
			return fmt.Errorf("failed to remove replayed WAL %s: %w", filename, err)
		}
	}

	return nil
}

// replayWALFile replays a single WAL file. A torn final line from a crash
// mid-append is ignored.
func replayWALFile(filename string, handler func(*WALEntry) error) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var pending error
	for scanner.Scan() {
		if pending != nil {
			return pending
		}

		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			pending = fmt.Errorf("failed to unmarshal WAL entry: %w", err)
			continue
		}

		if err := handler(&entry); err != nil {
			return fmt.Errorf("failed to replay entry %s: %w", entry.ID, err)
		}
	}

	return scanner.Err()
}

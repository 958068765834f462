// Package dlq holds the dead-letter sinks for failed saga compensations.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"storefront/internal/orders/saga"
)

// FileRecorder appends failed compensations to a JSON-lines file and syncs
// after every write.
type FileRecorder struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileRecorder opens or creates the file at path for appending.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileRecorder{f: f}, nil
}

// Record appends rec as one line.
func (r *FileRecorder) Record(ctx context.Context, rec saga.FailedCompensation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.f.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data))
	}
	return r.f.Sync()
}

// Close releases the underlying file handle.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// ReadFile loads every record previously written to the file at path, in
// write order, for manual replay.
func ReadFile(path string) (recs []saga.FailedCompensation, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec saga.FailedCompensation
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode dlq line %d: %w", len(recs)+1, err)
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}

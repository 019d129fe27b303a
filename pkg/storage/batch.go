package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/vjranagit/loopstore/pkg/types"
)

// BatchWriter buffers write requests and writes them per patient once the
// buffer fills or Flush is called. Buffered samples are invisible to
// queries until flushed.
type BatchWriter struct {
	storage    Storage
	buffer     []*types.WriteRequest
	bufferSize int
	written    int
	mu         sync.Mutex
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(storage Storage, bufferSize int) *BatchWriter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &BatchWriter{
		storage:    storage,
		buffer:     make([]*types.WriteRequest, 0, bufferSize),
		bufferSize: bufferSize,
	}
}

// Write buffers a write request
func (bw *BatchWriter) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := validateWrite(req); err != nil {
		return err
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.buffer = append(bw.buffer, req)

	if len(bw.buffer) >= bw.bufferSize {
		return bw.flushLocked(ctx)
	}

	return nil
}

// Flush writes everything buffered
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Written returns how many samples have been flushed to storage
func (bw *BatchWriter) Written() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.written
}

// flushLocked flushes the buffer (must hold lock)
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	// Combine all write requests into one per patient, in arrival order
	var patients []string
	patientBatches := make(map[string][]types.Series)

	for _, req := range bw.buffer {
		if _, seen := patientBatches[req.PatientID]; !seen {
			patients = append(patients, req.PatientID)
		}
		patientBatches[req.PatientID] = append(patientBatches[req.PatientID], req.Series...)
	}

	for i, patientID := range patients {
		batchReq := &types.WriteRequest{
			PatientID: patientID,
			Series:    patientBatches[patientID],
		}

		if err := bw.storage.Write(ctx, batchReq); err != nil {
			bw.keepUnwritten(patients[:i])
			return fmt.Errorf("batch write failed: %w", err)
		}
		bw.written += countSamples(batchReq.Series)
	}

	bw.buffer = bw.buffer[:0]

	return nil
}

// keepUnwritten drops buffered requests of patients already written so a
// retried flush does not store them twice
func (bw *BatchWriter) keepUnwritten(written []string) {
	done := make(map[string]bool, len(written))
	for _, p := range written {
		done[p] = true
	}
	kept := bw.buffer[:0]
	for _, req := range bw.buffer {
		if !done[req.PatientID] {
			kept = append(kept, req)
		}
	}
	bw.buffer = kept
}

// Close flushes whatever is left
func (bw *BatchWriter) Close(ctx context.Context) error {
	return bw.Flush(ctx)
}

func countSamples(series []types.Series) int {
	n := 0
	for _, s := range series {
		n += len(s.Samples)
	}
	return n
}

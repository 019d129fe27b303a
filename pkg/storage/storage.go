package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/vjranagit/loopstore/pkg/timeline"
	"github.com/vjranagit/loopstore/pkg/types"
)

var (
	// ErrClosed is returned by operations on a closed storage
	ErrClosed = errors.New("storage closed")
	// ErrInvalidRequest marks requests rejected before touching storage
	ErrInvalidRequest = errors.New("invalid request")
)

// Storage interface defines the contract for sample storage
type Storage interface {
	// Write appends samples to storage
	Write(ctx context.Context, req *types.WriteRequest) error

	// Query returns every sample overlapping the requested range
	Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error)

	// ClosestPrior returns, per matching series, the latest sample starting
	// at or before the requested instant
	ClosestPrior(ctx context.Context, req *types.ClosestRequest) (*types.ClosestResult, error)

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	RetentionDays    int
	CompressionLevel int
	SyncWrites       bool
	EnableWAL        bool
	Logger           *zap.SugaredLogger
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		CompressionLevel: 3,
		EnableWAL:        true,
	}
}

const blockDuration = time.Hour

// Key prefixes
const (
	blockPrefix   byte = 'b'
	metaIndexKey       = "m/index"
	walMarkPrefix      = "m/wal/"
)

// badgerStorage implements Storage using BadgerDB
type badgerStorage struct {
	cfg        *Config
	log        *zap.SugaredLogger
	db         *badger.DB
	index      *Index
	compressor *Compressor
	wal        *WAL
	// walPending is set once a logged write failed to apply
	walPending bool
	mu         sync.RWMutex
	closed     bool
}

// NewStorage opens the storage at cfg.Path, reloading the index and
// replaying any write-ahead log left by an unclean shutdown.
func NewStorage(cfg *Config) (Storage, error) {
	return openBadgerStorage(cfg)
}

func openBadgerStorage(cfg *Config) (*badgerStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger")).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{log.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		log:        log,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
	}

	if err := s.loadIndex(); err != nil {
		s.closeResources()
		return nil, err
	}

	if cfg.EnableWAL {
		replayed := 0
		err := ReplayWAL(cfg.Path, func(entry *WALEntry) error {
			replayed++
			return s.apply(context.Background(), entry.ID, entry.Request())
		})
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		if replayed > 0 {
			log.Infow("replayed write-ahead log", "entries", replayed)
		}

		if s.wal, err = NewWAL(cfg.Path); err != nil {
			s.closeResources()
			return nil, err
		}
	}

	log.Infow("storage opened", "path", cfg.Path, "series", s.index.SeriesCount())
	return s, nil
}

func (s *badgerStorage) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaIndexKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read index: %w", err)
		}
		return item.Value(func(val []byte) error {
			if err := s.index.Deserialize(val); err != nil {
				return fmt.Errorf("failed to load index: %w", err)
			}
			return nil
		})
	})
}

// Write implements Storage.Write
func (s *badgerStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := validateWrite(req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var entryID string
	if s.wal != nil {
		var err error
		if entryID, err = s.wal.Append(req); err != nil {
			return err
		}
		if err := s.wal.Flush(); err != nil {
			return err
		}
	}

	if err := s.apply(ctx, entryID, req); err != nil {
		if entryID != "" {
			s.walPending = true
		}
		return err
	}
	return nil
}

func validateWrite(req *types.WriteRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty write request", ErrInvalidRequest)
	}
	if req.PatientID == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	for i, series := range req.Series {
		if series.Source.Kind == "" {
			return fmt.Errorf("%w: series %d has no kind", ErrInvalidRequest, i)
		}
		for name := range series.Source.Labels {
			if isReservedLabel(name) {
				return fmt.Errorf("%w: series %d label %q uses the reserved prefix %q", ErrInvalidRequest, i, name, reservedPrefix)
			}
		}
		for j, sample := range series.Samples {
			if sample.Start.IsZero() {
				return fmt.Errorf("%w: series %d sample %d has no start", ErrInvalidRequest, i, j)
			}
		}
	}
	return nil
}

// apply writes a request in a single transaction. A non-empty entryID is
// recorded alongside the samples so a replayed WAL entry is applied once.
// Index changes are made on a clone and installed only after the commit.
func (s *badgerStorage) apply(ctx context.Context, entryID string, req *types.WriteRequest) error {
	staged := s.index.clone()
	err := s.db.Update(func(txn *badger.Txn) error {
		if entryID != "" {
			_, err := txn.Get([]byte(walMarkPrefix + entryID))
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		for _, series := range req.Series {
			if err := ctx.Err(); err != nil {
				return err
			}

			seriesID := staged.AddSeries(req.PatientID, &series.Source)

			for blockTime, samples := range groupSamplesByBlock(series.Samples) {
				if err := s.mergeBlock(txn, seriesID, blockTime, samples); err != nil {
					return fmt.Errorf("failed to write block: %w", err)
				}
			}

			if err := staged.UpdateTimeRange(seriesID, series.Samples); err != nil {
				return err
			}
		}

		idxBytes, err := staged.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize index: %w", err)
		}
		if err := txn.Set([]byte(metaIndexKey), idxBytes); err != nil {
			return err
		}

		if entryID != "" {
			return txn.SetEntry(s.withRetention(badger.NewEntry([]byte(walMarkPrefix+entryID), nil)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	s.index.replace(staged)
	return nil
}

// groupSamplesByBlock groups samples into 1-hour blocks of their start time
func groupSamplesByBlock(samples []types.Sample) map[int64][]types.Sample {
	blocks := make(map[int64][]types.Sample)

	for _, sample := range samples {
		blockTime := blockOf(sample.Start)
		blocks[blockTime] = append(blocks[blockTime], sample)
	}

	return blocks
}

func blockOf(t time.Time) int64 {
	return t.Truncate(blockDuration).Unix()
}

// mergeBlock appends samples to the stored block, keeping it sorted by start
func (s *badgerStorage) mergeBlock(txn *badger.Txn, seriesID uint64, blockTime int64, samples []types.Sample) error {
	key := generateKey(seriesID, blockTime)

	var merged types.Samples
	item, err := txn.Get(key)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			existing, err := s.compressor.DecodeBlock(val)
			merged = existing
			return err
		}); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	merged = append(merged, samples...)
	merged.Sort()

	data, err := s.compressor.EncodeBlock(merged)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}

	return txn.SetEntry(s.withRetention(badger.NewEntry(key, data)))
}

func (s *badgerStorage) withRetention(e *badger.Entry) *badger.Entry {
	if s.cfg.RetentionDays > 0 {
		return e.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	}
	return e
}

// Query implements Storage.Query
func (s *badgerStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	result := &types.QueryResult{Series: []types.Series{}}

	err := s.db.View(func(txn *badger.Txn) error {
		for _, seriesID := range s.index.FindSeries(req.PatientID, req.Kind, req.Selector) {
			meta, ok := s.index.GetSeries(seriesID)
			if !ok || !meta.mayOverlap(req.Start, req.End) {
				continue
			}

			// Samples starting up to MaxDuration before the range may reach into it
			from, to := int64(minBlock), int64(maxBlock)
			if req.Start != nil {
				from = blockOf(req.Start.Add(-meta.MaxDuration))
			}
			if req.End != nil {
				to = blockOf(*req.End)
			}

			samples, err := s.scanBlocks(ctx, txn, seriesID, from, to)
			if err != nil {
				return err
			}

			matched := timeline.FilterDateRange(samples, req.Start, req.End)
			if len(matched) > 0 {
				result.Series = append(result.Series, types.Series{
					Source:  meta.Source,
					Samples: matched,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return result, nil
}

// mayOverlap reports whether the series bounds can reach the range at all
func (m seriesMetadata) mayOverlap(start, end *time.Time) bool {
	if m.empty() {
		return false
	}
	if end != nil && m.MinTime > end.UnixNano() {
		return false
	}
	if start != nil && m.MaxTime+int64(m.MaxDuration) < start.UnixNano() {
		return false
	}
	return true
}

// scanBlocks returns the samples of blocks in [from, to] in start order
func (s *badgerStorage) scanBlocks(ctx context.Context, txn *badger.Txn, seriesID uint64, from, to int64) ([]types.Sample, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = seriesPrefix(seriesID)
	it := txn.NewIterator(opts)
	defer it.Close()

	var samples []types.Sample
	for it.Seek(generateKey(seriesID, from)); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := it.Item()
		if blockTimeOf(item.Key()) > to {
			break
		}

		block, err := s.decodeItem(item)
		if err != nil {
			return nil, err
		}
		samples = append(samples, block...)
	}

	return samples, nil
}

// ClosestPrior implements Storage.ClosestPrior
func (s *badgerStorage) ClosestPrior(ctx context.Context, req *types.ClosestRequest) (*types.ClosestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	result := &types.ClosestResult{Matches: []types.ClosestMatch{}}

	err := s.db.View(func(txn *badger.Txn) error {
		for _, seriesID := range s.index.FindSeries(req.PatientID, req.Kind, req.Selector) {
			meta, ok := s.index.GetSeries(seriesID)
			if !ok || meta.empty() || meta.MinTime > req.At.UnixNano() {
				continue
			}

			sample, found, err := s.closestInSeries(ctx, txn, seriesID, req.At)
			if err != nil {
				return err
			}
			if found {
				result.Matches = append(result.Matches, types.ClosestMatch{
					Source: meta.Source,
					Sample: sample,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("closest query failed: %w", err)
	}

	return result, nil
}

// closestInSeries walks blocks backwards from the one holding at. Blocks
// partition by start time, so the first block with a prior sample holds
// the closest one.
func (s *badgerStorage) closestInSeries(ctx context.Context, txn *badger.Txn, seriesID uint64, at time.Time) (types.Sample, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = seriesPrefix(seriesID)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(generateKey(seriesID, blockOf(at))); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return types.Sample{}, false, err
		}

		block, err := s.decodeItem(it.Item())
		if err != nil {
			return types.Sample{}, false, err
		}
		if sample, ok := timeline.ClosestPriorToDate(block, at); ok {
			return sample, true, nil
		}
	}

	return types.Sample{}, false, nil
}

func (s *badgerStorage) decodeItem(item *badger.Item) ([]types.Sample, error) {
	var samples []types.Sample
	err := item.Value(func(val []byte) error {
		var err error
		samples, err = s.compressor.DecodeBlock(val)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode block %x: %w", item.Key(), err)
	}
	return samples, nil
}

// Close implements Storage.Close
func (s *badgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var walErr error
	switch {
	case s.wal == nil:
	case s.walPending:
		// keep the log so the next open replays what did not apply
		s.log.Warnw("closing with unapplied write-ahead log entries", "file", s.wal.filename)
		walErr = s.wal.Close()
	default:
		walErr = s.wal.Discard()
	}

	return errors.Join(walErr, s.closeResources())
}

func (s *badgerStorage) closeResources() error {
	s.compressor.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Block time bounds for open-ended scans
const (
	minBlock = -1 << 63
	maxBlock = 1<<63 - 1
)

// generateKey generates a storage key for a time block:
// prefix | series ID | block time with the sign bit flipped so keys sort by time
func generateKey(seriesID uint64, blockTime int64) []byte {
	key := make([]byte, 17)
	key[0] = blockPrefix
	binary.BigEndian.PutUint64(key[1:9], seriesID)
	binary.BigEndian.PutUint64(key[9:], uint64(blockTime)^(1<<63))
	return key
}

func seriesPrefix(seriesID uint64) []byte {
	return generateKey(seriesID, 0)[:9]
}

func blockTimeOf(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[9:17]) ^ (1 << 63))
}

// badgerLogger routes badger's logging through zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

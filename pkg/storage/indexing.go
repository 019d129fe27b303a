package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vjranagit/loopstore/pkg/types"
)

// Reserved label names. Source labels may not start with reservedPrefix.
const (
	reservedPrefix = "__"
	kindLabel      = "__kind__"
	patientLabel   = "__patient__"
)

func isReservedLabel(name string) bool {
	return strings.HasPrefix(name, reservedPrefix)
}

// Index manages the series index
type Index struct {
	mu sync.RWMutex
	// Maps source fingerprint to series metadata
	series map[uint64]*seriesMetadata
	// Inverted index: label name -> label value -> series IDs
	labelIndex map[string]map[string][]uint64
}

// seriesMetadata holds metadata about a single series
type seriesMetadata struct {
	ID        uint64
	PatientID string
	Source    types.Source
	// Bounds of the sample starts, in unix nanoseconds; MinTime > MaxTime
	// until the first sample arrives
	MinTime int64
	MaxTime int64
	// Longest sample seen; queries look back this far for overlapping samples
	MaxDuration time.Duration
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series:     make(map[uint64]*seriesMetadata),
		labelIndex: make(map[string]map[string][]uint64),
	}
}

// AddSeries adds a series to the index
func (idx *Index) AddSeries(patientID string, source *types.Source) uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.addLocked(&seriesMetadata{
		ID:        calculateFingerprint(patientID, source),
		PatientID: patientID,
		Source:    types.Source{Kind: source.Kind, Labels: maps.Clone(source.Labels)},
		MinTime:   math.MaxInt64,
		MaxTime:   math.MinInt64,
	})
}

func (m seriesMetadata) empty() bool {
	return m.MinTime > m.MaxTime
}

func (idx *Index) addLocked(meta *seriesMetadata) uint64 {
	if existing, exists := idx.series[meta.ID]; exists {
		return existing.ID
	}
	idx.series[meta.ID] = meta

	idx.addLabelLocked(patientLabel, meta.PatientID, meta.ID)
	idx.addLabelLocked(kindLabel, meta.Source.Kind, meta.ID)
	for name, value := range meta.Source.Labels {
		idx.addLabelLocked(name, value, meta.ID)
	}
	return meta.ID
}

func (idx *Index) addLabelLocked(name, value string, id uint64) {
	if idx.labelIndex[name] == nil {
		idx.labelIndex[name] = make(map[string][]uint64)
	}
	idx.labelIndex[name][value] = append(idx.labelIndex[name][value], id)
}

// GetSeries retrieves a copy of the series metadata by ID
func (idx *Index) GetSeries(id uint64) (seriesMetadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	meta, ok := idx.series[id]
	if !ok {
		return seriesMetadata{}, false
	}
	return *meta, true
}

// FindSeries finds a patient's series of the given kind matching the label
// selectors. An empty kind matches every kind.
func (idx *Index) FindSeries(patientID, kind string, selectors map[string]string) []uint64 {
	all := make(map[string]string, len(selectors)+2)
	for k, v := range selectors {
		all[k] = v
	}
	all[patientLabel] = patientID
	if kind != "" {
		all[kindLabel] = kind
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// Find intersection of matching series across all selectors
	var result []uint64
	first := true

	for labelName, labelValue := range all {
		seriesIDs := idx.labelIndex[labelName][labelValue]
		if len(seriesIDs) == 0 {
			return nil
		}

		if first {
			result = append([]uint64(nil), seriesIDs...)
			first = false
		} else {
			result = intersect(result, seriesIDs)
		}

		if len(result) == 0 {
			return nil
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// UpdateTimeRange widens the bounds of a series to cover samples
func (idx *Index) UpdateTimeRange(id uint64, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	meta, ok := idx.series[id]
	if !ok {
		return fmt.Errorf("series %d not found", id)
	}

	for _, s := range samples {
		start := s.Start.UnixNano()
		meta.MinTime = min(meta.MinTime, start)
		meta.MaxTime = max(meta.MaxTime, start)
		if d := s.Duration(); d > meta.MaxDuration {
			meta.MaxDuration = d
		}
	}

	return nil
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.series)
}

// calculateFingerprint generates a unique fingerprint for a patient's source
func calculateFingerprint(patientID string, source *types.Source) uint64 {
	// Sort label keys for consistent fingerprinting
	keys := make([]string, 0, len(source.Labels))
	for k := range source.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	d.WriteString(patientID)
	d.Write([]byte{0})
	d.WriteString(source.Kind)

	for _, k := range keys {
		d.Write([]byte{0})
		d.WriteString(k)
		d.Write([]byte{0})
		d.WriteString(source.Labels[k])
	}

	return d.Sum64()
}

// intersect finds common elements in two slices
func intersect(a, b []uint64) []uint64 {
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	b = append([]uint64(nil), b...)
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })

	result := make([]uint64, 0)
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			i++
		} else if a[i] > b[j] {
			j++
		} else {
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}

// Serialize serializes the index to bytes
func (idx *Index) Serialize() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(idx.series))); err != nil {
		return nil, err
	}

	for _, meta := range idx.series {
		for _, v := range []int64{int64(meta.ID), meta.MinTime, meta.MaxTime, int64(meta.MaxDuration)} {
			if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
				return nil, err
			}
		}
		if err := writeString(buf, meta.PatientID); err != nil {
			return nil, err
		}
		if err := writeString(buf, meta.Source.Kind); err != nil {
			return nil, err
		}

		if err := binary.Write(buf, binary.LittleEndian, uint16(len(meta.Source.Labels))); err != nil {
			return nil, err
		}
		for k, v := range meta.Source.Labels {
			if err := writeString(buf, k); err != nil {
				return nil, err
			}
			if err := writeString(buf, v); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// Deserialize replaces the index contents with a serialized index
func (idx *Index) Deserialize(data []byte) error {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("failed to read series count: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.clearLocked()

	for i := uint32(0); i < count; i++ {
		var fixed [4]int64
		for j := range fixed {
			if err := binary.Read(r, binary.LittleEndian, &fixed[j]); err != nil {
				return fmt.Errorf("failed to read series %d: %w", i, err)
			}
		}
		meta := &seriesMetadata{
			ID:          uint64(fixed[0]),
			MinTime:     fixed[1],
			MaxTime:     fixed[2],
			MaxDuration: time.Duration(fixed[3]),
		}

		var err error
		if meta.PatientID, err = readString(r); err != nil {
			return err
		}
		if meta.Source.Kind, err = readString(r); err != nil {
			return err
		}

		var labelCount uint16
		if err := binary.Read(r, binary.LittleEndian, &labelCount); err != nil {
			return err
		}
		if labelCount > 0 {
			meta.Source.Labels = make(map[string]string, labelCount)
		}
		for j := uint16(0); j < labelCount; j++ {
			k, err := readString(r)
			if err != nil {
				return err
			}
			v, err := readString(r)
			if err != nil {
				return err
			}
			meta.Source.Labels[k] = v
		}

		idx.addLocked(meta)
	}

	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("string too long for index: %d bytes", len(s))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// clone returns a deep copy that a write can change before its commit
func (idx *Index) clone() *Index {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	c := NewIndex()
	for id, meta := range idx.series {
		m := *meta
		c.series[id] = &m
	}
	for name, values := range idx.labelIndex {
		byValue := make(map[string][]uint64, len(values))
		for value, ids := range values {
			byValue[value] = append([]uint64(nil), ids...)
		}
		c.labelIndex[name] = byValue
	}
	return c
}

// replace installs the contents of a committed clone
func (idx *Index) replace(staged *Index) {
	staged.mu.RLock()
	series, labelIndex := staged.series, staged.labelIndex
	staged.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.series = series
	idx.labelIndex = labelIndex
}

func (idx *Index) clearLocked() {
	idx.series = make(map[uint64]*seriesMetadata)
	idx.labelIndex = make(map[string]map[string][]uint64)
}

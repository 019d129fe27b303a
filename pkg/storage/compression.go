package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vjranagit/loopstore/pkg/types"
)

// blockFormatVersion prefixes every encoded block
const blockFormatVersion byte = 1

var errCorruptBlock = errors.New("corrupt block")

// Compressor encodes blocks of samples for storage
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a new compressor
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// EncodeBlock packs samples into a compressed block.
//
// Layout before compression:
//
//	version | count | units dictionary | unit refs |
//	start deltas-of-deltas | duration deltas-of-deltas | XOR'd values
//
// Integers are varints; values are little-endian float64 bit patterns.
func (c *Compressor) EncodeBlock(samples []types.Sample) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(blockFormatVersion)
	writeUvarint(buf, uint64(len(samples)))

	units, refs := unitDictionary(samples)
	writeUvarint(buf, uint64(len(units)))
	for _, u := range units {
		writeUvarint(buf, uint64(len(u)))
		buf.WriteString(u)
	}
	for _, r := range refs {
		writeUvarint(buf, uint64(r))
	}

	starts := make([]int64, len(samples))
	durations := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		starts[i] = s.Start.UnixNano()
		durations[i] = int64(s.Duration())
		values[i] = s.Value
	}

	encodeDeltaOfDelta(buf, starts)
	encodeDeltaOfDelta(buf, durations)
	if err := encodeXOR(buf, values); err != nil {
		return nil, err
	}

	return c.encoder.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/2)), nil
}

// DecodeBlock reverses EncodeBlock. Samples come back in the stored order.
func (c *Compressor) DecodeBlock(data []byte) ([]types.Sample, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil {
		return nil, errCorruptBlock
	}
	if version != blockFormatVersion {
		return nil, fmt.Errorf("unsupported block version %d", version)
	}

	count, err := readCount(r)
	if err != nil {
		return nil, err
	}

	unitCount, err := readCount(r)
	if err != nil {
		return nil, err
	}
	units := make([]string, unitCount)
	for i := range units {
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, errCorruptBlock
		}
		units[i] = string(b)
	}

	refs := make([]int, count)
	for i := range refs {
		ref, err := binary.ReadUvarint(r)
		if err != nil || ref >= uint64(len(units)) {
			return nil, errCorruptBlock
		}
		refs[i] = int(ref)
	}

	starts, err := decodeDeltaOfDelta(r, count)
	if err != nil {
		return nil, err
	}
	durations, err := decodeDeltaOfDelta(r, count)
	if err != nil {
		return nil, err
	}
	values, err := decodeXOR(r, count)
	if err != nil {
		return nil, err
	}

	samples := make([]types.Sample, count)
	for i := range samples {
		start := time.Unix(0, starts[i]).UTC()
		s := types.Sample{
			Start:    start,
			Quantity: types.Quantity{Value: values[i], Unit: units[refs[i]]},
		}
		if durations[i] != 0 {
			s.End = start.Add(time.Duration(durations[i]))
		}
		samples[i] = s
	}

	return samples, nil
}

// unitDictionary returns the distinct units in first-seen order and each
// sample's index into them.
func unitDictionary(samples []types.Sample) ([]string, []int) {
	var units []string
	seen := make(map[string]int)
	refs := make([]int, len(samples))
	for i, s := range samples {
		ref, ok := seen[s.Unit]
		if !ok {
			ref = len(units)
			seen[s.Unit] = ref
			units = append(units, s.Unit)
		}
		refs[i] = ref
	}
	return units, refs
}

// encodeDeltaOfDelta writes the first value and then the change in delta
// between neighbours, which is near zero for regularly spaced readings.
func encodeDeltaOfDelta(buf *bytes.Buffer, xs []int64) {
	var prev, prevDelta int64
	for i, x := range xs {
		if i == 0 {
			writeVarint(buf, x)
		} else {
			delta := x - prev
			writeVarint(buf, delta-prevDelta)
			prevDelta = delta
		}
		prev = x
	}
}

func decodeDeltaOfDelta(r *bytes.Reader, count int) ([]int64, error) {
	xs := make([]int64, count)
	var prevDelta int64
	for i := range xs {
		v, err := binary.ReadVarint(r)
		if err != nil {
			return nil, errCorruptBlock
		}
		if i == 0 {
			xs[i] = v
			continue
		}
		delta := v + prevDelta
		xs[i] = xs[i-1] + delta
		prevDelta = delta
	}
	return xs, nil
}

// encodeXOR writes each value's bits XOR'd with the previous value's bits
func encodeXOR(buf *bytes.Buffer, values []float64) error {
	var prevBits uint64
	for _, v := range values {
		bits := math.Float64bits(v)
		if err := binary.Write(buf, binary.LittleEndian, bits^prevBits); err != nil {
			return err
		}
		prevBits = bits
	}
	return nil
}

func decodeXOR(r *bytes.Reader, count int) ([]float64, error) {
	values := make([]float64, count)
	var prevBits uint64
	for i := range values {
		var xorBits uint64
		if err := binary.Read(r, binary.LittleEndian, &xorBits); err != nil {
			return nil, errCorruptBlock
		}
		bits := xorBits ^ prevBits
		values[i] = math.Float64frombits(bits)
		prevBits = bits
	}
	return values, nil
}

func readCount(r *bytes.Reader) (int, error) {
	n, err := binary.ReadUvarint(r)
	// every counted item takes at least one byte
	if err != nil || n > uint64(r.Len()) {
		return 0, errCorruptBlock
	}
	return int(n), nil
}

func writeUvarint(buf *bytes.Buffer, x uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], x)])
}

func writeVarint(buf *bytes.Buffer, x int64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutVarint(tmp[:], x)])
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

// Package chunk partitions a file into fixed-size, 1-based chunks and
// tracks which of them are committed.
package chunk

import (
	"fmt"

	"github.com/bamsammich/stratus/internal/uperr"
)

// Spec is one byte range of a file. Numbers start at 1.
type Spec struct {
	Number int
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the chunk.
func (s Spec) End() int64 { return s.Offset + s.Length }

// Count returns ceil(totalSize/chunkSize), and 1 for an empty file.
func Count(totalSize, chunkSize int64) (int, error) {
	if err := validate(totalSize, chunkSize); err != nil {
		return 0, err
	}
	if totalSize == 0 {
		return 1, nil
	}
	return int((totalSize + chunkSize - 1) / chunkSize), nil
}

// Plan returns the ordered chunk layout for a file. Identical inputs always
// produce identical output, so the layout never has to be persisted.
func Plan(totalSize, chunkSize int64) ([]Spec, error) {
	n, err := Count(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}
	specs := make([]Spec, n)
	for i := range n {
		specs[i] = specAt(totalSize, chunkSize, i+1)
	}
	return specs, nil
}

// SpecFor computes a single chunk without materializing the whole plan.
func SpecFor(totalSize, chunkSize int64, number int) (Spec, error) {
	n, err := Count(totalSize, chunkSize)
	if err != nil {
		return Spec{}, err
	}
	if number < 1 || number > n {
		return Spec{}, fmt.Errorf("chunk %d outside 1..%d: %w", number, n, uperr.ErrInvalidConfiguration)
	}
	return specAt(totalSize, chunkSize, number), nil
}

func specAt(totalSize, chunkSize int64, number int) Spec {
	offset := int64(number-1) * chunkSize
	length := min(chunkSize, totalSize-offset)
	return Spec{Number: number, Offset: offset, Length: length}
}

func validate(totalSize, chunkSize int64) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size %d: %w", chunkSize, uperr.ErrInvalidConfiguration)
	}
	if totalSize < 0 {
		return fmt.Errorf("total size %d: %w", totalSize, uperr.ErrInvalidConfiguration)
	}
	return nil
}

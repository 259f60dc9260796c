// Package target implements the partially-written target file: a
// random-access file of the target's final length plus a per-block
// presence bitmap, where the bitmap is the sole authority for which
// blocks have been reconstructed so far.
package target

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Range is one contiguous byte range [Lo, Hi], inclusive on both ends
// as HTTP Range headers are.
type Range struct {
	Lo, Hi int64
}

// Len returns the number of bytes the range covers.
func (r Range) Len() int64 {
	return r.Hi - r.Lo + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Lo, r.Hi)
}

// Store is the reconstruction target: an *os.File pre-sized to the
// final length, and a bitmap with one bit per block. A set bit n means
// the file's bytes for block n already equal the target's block n.
//
// The seed scanner and the downloader's parallel range writers touch
// the store from different goroutines, but never the same block; the
// mutex guards only the bitmap words, not the file writes themselves,
// which go to disjoint offsets.
type Store struct {
	f          *os.File
	path       string
	length     int64
	blockSize  int64
	blockCount int

	mu      sync.Mutex
	bits    []uint64
	present int
}

// Open creates (or truncates) the file at path, sizes it to length, and
// initializes the bitmap with every block absent.
func Open(path string, length, blockSize int64, blockCount int) (*Store, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("target: block size %d must be positive", blockSize)
	}
	if length < 0 {
		return nil, fmt.Errorf("target: negative length %d", length)
	}
	min := (length + blockSize - 1) / blockSize
	max := length/blockSize + 1
	if int64(blockCount) < min || int64(blockCount) > max {
		return nil, fmt.Errorf("target: block count %d inconsistent with length %d and block size %d", blockCount, length, blockSize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("target: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("target: create %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("target: size %s to %d bytes: %w", path, length, err)
	}

	return &Store{
		f:          f,
		path:       path,
		length:     length,
		blockSize:  blockSize,
		blockCount: blockCount,
		bits:       make([]uint64, (blockCount+63)/64),
	}, nil
}

// Close flushes and closes the underlying file. The file stays on disk;
// callers that abandon a partial reconstruction remove it themselves.
func (s *Store) Close() error {
	return s.f.Close()
}

// Path returns the location of the file being reconstructed.
func (s *Store) Path() string {
	return s.path
}

// Length returns the target's final length in bytes.
func (s *Store) Length() int64 {
	return s.length
}

// BlockCount returns the number of blocks the target is divided into.
func (s *Store) BlockCount() int {
	return s.blockCount
}

// blockLen returns the in-file length of block n: blockSize for every
// block but possibly the last, which holds only the tail bytes.
func (s *Store) blockLen(n int) int64 {
	lo := int64(n) * s.blockSize
	if lo+s.blockSize > s.length {
		return s.length - lo
	}
	return s.blockSize
}

// IsSet reports whether block n has been reconstructed.
func (s *Store) IsSet(n int) bool {
	if n < 0 || n >= s.blockCount {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits[n/64]&(1<<uint(n%64)) != 0
}

func (s *Store) set(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	word, bit := n/64, uint64(1)<<uint(n%64)
	if s.bits[word]&bit == 0 {
		s.bits[word] |= bit
		s.present++
	}
}

// WriteBlock writes b as block n and marks it present. b must be a full
// blockSize-long window; for the final block only the tail bytes are
// written and the zero padding is discarded.
func (s *Store) WriteBlock(n int, b []byte) error {
	if n < 0 || n >= s.blockCount {
		return fmt.Errorf("target: block %d out of range [0,%d)", n, s.blockCount)
	}
	if int64(len(b)) < s.blockLen(n) {
		return fmt.Errorf("target: block %d needs %d bytes, got %d", n, s.blockLen(n), len(b))
	}
	if _, err := s.f.WriteAt(b[:s.blockLen(n)], int64(n)*s.blockSize); err != nil {
		return fmt.Errorf("target: writing block %d: %w", n, err)
	}
	s.set(n)
	return nil
}

// ReadBlock returns the bytes of block n, without padding; the final
// block comes back at its tail length. Defined only for present blocks.
func (s *Store) ReadBlock(n int) ([]byte, error) {
	if !s.IsSet(n) {
		return nil, fmt.Errorf("target: block %d not present", n)
	}
	buf := make([]byte, s.blockLen(n))
	if _, err := s.f.ReadAt(buf, int64(n)*s.blockSize); err != nil {
		return nil, fmt.Errorf("target: reading block %d: %w", n, err)
	}
	return buf, nil
}

// WriteRange writes data starting at byte offset lo and marks every
// block it completely covers as present. lo must be block-aligned and
// the data must end either block-aligned or at the end of the file,
// which holds for any range produced by MissingRanges.
func (s *Store) WriteRange(lo int64, data []byte) error {
	if lo%s.blockSize != 0 {
		return fmt.Errorf("target: range offset %d not block-aligned", lo)
	}
	hi := lo + int64(len(data))
	if hi > s.length {
		return fmt.Errorf("target: range [%d,%d) exceeds length %d", lo, hi, s.length)
	}
	if hi%s.blockSize != 0 && hi != s.length {
		return fmt.Errorf("target: range end %d neither block-aligned nor at end of file", hi)
	}
	if _, err := s.f.WriteAt(data, lo); err != nil {
		return fmt.Errorf("target: writing range at %d: %w", lo, err)
	}
	for n := int(lo / s.blockSize); int64(n)*s.blockSize < hi; n++ {
		s.set(n)
	}
	return nil
}

// MissingRanges coalesces runs of absent blocks into maximal byte
// ranges, pairwise disjoint and ascending, with the final range
// truncated at the end of the file.
func (s *Store) MissingRanges() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ranges []Range
	runStart := -1
	for n := 0; n < s.blockCount; n++ {
		absent := s.bits[n/64]&(1<<uint(n%64)) == 0
		if absent && runStart < 0 {
			runStart = n
		}
		if !absent && runStart >= 0 {
			ranges = append(ranges, s.runToRange(runStart, n))
			runStart = -1
		}
	}
	if runStart >= 0 {
		ranges = append(ranges, s.runToRange(runStart, s.blockCount))
	}
	return ranges
}

// runToRange converts the absent block run [first, end) into an
// inclusive byte range.
func (s *Store) runToRange(first, end int) Range {
	hi := int64(end) * s.blockSize
	if hi > s.length {
		hi = s.length
	}
	return Range{Lo: int64(first) * s.blockSize, Hi: hi - 1}
}

// AllPresent reports whether every block has been reconstructed.
func (s *Store) AllPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present == s.blockCount
}

// BytesPresent returns the number of target bytes already in place,
// counting the final block at its tail length.
func (s *Store) BytesPresent() int64 {
	s.mu.Lock()
	present := s.present
	lastSet := s.blockCount > 0 && s.bits[(s.blockCount-1)/64]&(1<<uint((s.blockCount-1)%64)) != 0
	s.mu.Unlock()

	total := int64(present) * s.blockSize
	if lastSet {
		total -= s.blockSize - s.blockLen(s.blockCount-1)
	}
	return total
}

// Package seedscan implements the sliding-window rolling-checksum scan
// over the local bundle file that reconstructs any target block already
// present locally, possibly at a different offset than in the target.
//
// A single goroutine owns the scan, reports progress on a channel, and
// honors ctx.Done() at bounded intervals so cancellation stays
// responsive while the CPU-bound loop runs.
package seedscan

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"appimageupdate/internal/blockindex"
	"appimageupdate/internal/checksum"
	"appimageupdate/internal/target"
)

// yieldEvery is the cooperative-yield granularity: the cancel flag is
// observed and progress is reported at least every 64 KiB of scanning.
const yieldEvery = 64 * 1024

// Progress is reported periodically while the scan runs.
type Progress struct {
	BytesScanned int64
	BlocksFound  int
}

// Result summarizes a completed (or aborted) scan.
type Result struct {
	BlocksFound int
	Err         error // non-nil on I/O error; fatal to the scan but not to the overall update
}

// Scan reads local through idx's confirmation protocol and target's
// bitmap, writing any block it can reconstruct. It blocks until the scan
// completes, the context is canceled, or a local I/O error occurs;
// progress is reported on progressCh (which Scan never closes) as it
// goes, at yieldEvery-byte granularity.
func Scan(ctx context.Context, local io.ReaderAt, localSize int64, idx *blockindex.Index, store *target.Store, blockSize int64, progressCh chan<- Progress, logger zerolog.Logger) Result {
	log := logger.With().Str("component", "seedscan").Logger()

	if localSize == 0 {
		log.Debug().Msg("local file is empty, nothing to seed")
		return Result{}
	}

	window := make([]byte, blockSize)
	n, err := readWindow(local, 0, window)
	if err != nil && err != io.EOF {
		return Result{Err: fmt.Errorf("seedscan: reading initial window: %w", err)}
	}
	pad(window, n)

	weak := checksum.NewWeak(window)
	pos := int64(0)
	found := 0
	sinceYield := int64(0)

	confirmAndWrite := func(p int64, w []byte) bool {
		n, ok := confirm(idx, weak, p, local, blockSize)
		if !ok {
			return false
		}
		if store.IsSet(n) {
			return true
		}
		if err := store.WriteBlock(n, w); err != nil {
			log.Warn().Err(err).Int("block", n).Msg("failed writing seeded block")
			return false
		}
		found++
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return Result{BlocksFound: found, Err: ctx.Err()}
		default:
		}

		confirmAndWrite(pos, window)

		if pos+blockSize >= localSize {
			break
		}

		yByte, rerr := readByte(local, pos+blockSize)
		if rerr != nil && rerr != io.EOF {
			return Result{BlocksFound: found, Err: fmt.Errorf("seedscan: reading next byte: %w", rerr)}
		}
		xByte := window[0]
		copy(window, window[1:])
		window[len(window)-1] = yByte
		weak = weak.Roll(uint32(blockSize), xByte, yByte)
		pos++

		sinceYield++
		if sinceYield >= yieldEvery {
			sinceYield = 0
			select {
			case progressCh <- Progress{BytesScanned: pos, BlocksFound: found}:
			default:
			}
		}
	}

	// Common-suffix case: also try the last blockSize bytes, padded, as
	// the final target block, in case the rolling scan's last window
	// landed short of it.
	if localSize > blockSize {
		tail := make([]byte, blockSize)
		tn, terr := readWindow(local, localSize-blockSize, tail)
		if terr == nil || terr == io.EOF {
			pad(tail, tn)
			tw := checksum.NewWeak(tail)
			if n, ok := confirm(idx, tw, localSize-blockSize, local, blockSize); ok && !store.IsSet(n) {
				if err := store.WriteBlock(n, tail); err == nil {
					found++
				}
			}
		}
	}

	select {
	case progressCh <- Progress{BytesScanned: localSize, BlocksFound: found}:
	default:
	}

	return Result{BlocksFound: found}
}

// confirm runs the two-stage confirmation protocol for the window at
// local offset p with weak checksum w: weak-key lookup, optional pair
// confirmation, then the strong digest. Returns the accepted target
// block number.
func confirm(idx *blockindex.Index, w checksum.Weak, p int64, local io.ReaderAt, blockSize int64) (int, bool) {
	k := checksum.Masked(w.Value(), idx.WeakBytes())
	candidates := idx.Candidates(k)
	if len(candidates) == 0 {
		return 0, false
	}

	if idx.SeqMatches() == 2 {
		next := make([]byte, blockSize)
		nn, err := readWindow(local, p+blockSize, next)
		if err != nil && err != io.EOF {
			return 0, false
		}
		pad(next, nn)
		k2 := checksum.Masked(checksum.NewWeak(next).Value(), idx.WeakBytes())
		if !idx.PairConfirmed(k, k2) {
			return 0, false
		}
	}

	window := make([]byte, blockSize)
	wn, err := readWindow(local, p, window)
	if err != nil && err != io.EOF {
		return 0, false
	}
	pad(window, wn)
	strong := checksum.Strong(window, len(idx.Strong(candidates[0])))

	for _, n := range candidates {
		if bytesEqual(strong, idx.Strong(n)) {
			return n, true
		}
	}
	return 0, false
}

func readWindow(r io.ReaderAt, off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, io.EOF
	}
	n, err := r.ReadAt(buf, off)
	return n, err
}

func readByte(r io.ReaderAt, off int64) (byte, error) {
	var b [1]byte
	_, err := r.ReadAt(b[:], off)
	return b[0], err
}

// pad zero-fills buf beyond the first n bytes, the padding a short
// final block gets before checksumming.
func pad(buf []byte, n int) {
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Package verifier re-hashes on-disk piece content, used both when a
// torrent enters the Checking state at startup and when paranoid checkpoint
// verification is requested (spec.md §4.3 "Verification" / §4.7).
package verifier

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
)

// Progress reports incremental piece-check progress for a running Run call.
type Progress struct {
	Checked uint32
}

// Result is the outcome of a full verification pass: a bitfield-shaped
// slice, true at index i iff piece i's on-disk bytes hash correctly.
type Result struct {
	Verified []bool
}

// Run re-hashes every piece of info against layout's on-disk content,
// running up to workers concurrent hash checks, and streaming Progress
// ticks to progressC (which Run never blocks indefinitely on: if the
// caller stops reading, Run keeps working and simply drops further ticks).
func Run(ctx context.Context, info *metainfo.Info, layout *pieceio.Layout, workers int, progressC chan<- Progress) (Result, error) {
	if workers <= 0 {
		workers = 1
	}
	n := info.NumPieces()
	verified := make([]bool, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var checked int32

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			length := info.PieceLen(i)
			data, err := layout.ReadAt(int64(i)*info.PieceLength, length)
			if err != nil {
				// A missing/short file just means this piece isn't present yet.
				verified[i] = false
			} else {
				sum := sha1.Sum(data) //nolint:gosec
				verified[i] = bytes.Equal(sum[:], info.Pieces[i][:])
			}
			c := atomic.AddInt32(&checked, 1)
			select {
			case progressC <- Progress{Checked: uint32(c)}:
			default:
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return Result{Verified: verified}, nil
}

// VerifyOne re-hashes a single piece, used by checkpoint validation
// (spec.md §4.3 "verify_checkpoint").
func VerifyOne(info *metainfo.Info, layout *pieceio.Layout, index uint32) (bool, error) {
	length := info.PieceLen(int(index))
	data, err := layout.ReadAt(int64(index)*info.PieceLength, length)
	if err != nil {
		return false, err
	}
	sum := sha1.Sum(data) //nolint:gosec
	return bytes.Equal(sum[:], info.Pieces[index][:]), nil
}

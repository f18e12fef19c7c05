// Package piecewriter takes fully assembled pieces, hashes them on a
// bounded pool, and flushes verified bytes to disk
// (spec.md §4.3 "Write path" / "Verification").
package piecewriter

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // BitTorrent v1 piece hashes are SHA-1.

	"golang.org/x/sync/semaphore"

	"github.com/ccBitTorrent/ccbt-sub002/internal/piece"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage/pieceio"
)

// Request asks the writer to verify-then-flush a fully-assembled piece.
type Request struct {
	Piece       *piece.Piece
	Data        []byte   // full piece bytes, assembled from staged blocks
	Contributors []string // peer identities that contributed blocks, for penalty attribution
}

// Result is delivered once a Request has been processed.
type Result struct {
	Piece        *piece.Piece
	OK           bool
	Contributors []string
	Err          error
}

// Pool hashes and flushes assembled pieces concurrently, bounded by
// maxConcurrency (spec.md's "hash_workers"). It uses a weighted semaphore
// rather than a fixed goroutine pool; each Pool has its own semaphore, so
// the bound applies to that Pool only.
type Pool struct {
	layout *pieceio.Layout
	sem    *semaphore.Weighted
	ResultC chan Result
}

// New returns a Pool that flushes verified pieces through layout, running at
// most maxConcurrency hash/flush operations at once.
func New(layout *pieceio.Layout, maxConcurrency int64) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Pool{
		layout:  layout,
		sem:     semaphore.NewWeighted(maxConcurrency),
		ResultC: make(chan Result, 64),
	}
}

// Submit hashes req.Data against req.Piece.Hash; on match it flushes to disk
// and reports OK, otherwise it discards the bytes and reports failure. It
// blocks only long enough to acquire a worker slot, then returns
// immediately; the result arrives later on ResultC.
func (p *Pool) Submit(req Request) {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		p.ResultC <- Result{Piece: req.Piece, OK: false, Err: err}
		return
	}
	go func() {
		defer p.sem.Release(1)
		sum := sha1.Sum(req.Data) //nolint:gosec
		if !bytes.Equal(sum[:], req.Piece.Hash[:]) {
			p.ResultC <- Result{Piece: req.Piece, OK: false, Contributors: req.Contributors}
			return
		}
		off := p.layout.PieceOffset(req.Piece.Index)
		if err := p.layout.WriteAt(req.Data, off); err != nil {
			p.ResultC <- Result{Piece: req.Piece, OK: false, Contributors: req.Contributors, Err: err}
			return
		}
		p.ResultC <- Result{Piece: req.Piece, OK: true, Contributors: req.Contributors}
	}()
}

// Package allocator opens and preallocates a torrent's on-disk files in
// the background before piece verification starts, reporting progress as
// it goes (spec.md §4.3).
package allocator

import (
	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage"
)

// Progress reports cumulative bytes allocated so far.
type Progress struct {
	AllocatedSize int64
}

// Allocator opens every file in Files, creating and preallocating it
// according to the storage's own strategy, and delivers the resulting
// storage.File list (or the first error) on completion.
type Allocator struct {
	Files []storage.File
	Error error

	progressC chan Progress
	resultC   chan *Allocator
	closeC    chan struct{}
}

// New starts allocation in the background. progressC receives incremental
// updates; the Allocator itself is sent on resultC when done (see Cancel
// for the cancelled case).
func New(st storage.Storage, info *metainfo.Info, progressC chan Progress, resultC chan *Allocator) *Allocator {
	a := &Allocator{
		progressC: progressC,
		resultC:   resultC,
		closeC:    make(chan struct{}),
	}
	go a.run(st, info)
	return a
}

func (a *Allocator) run(st storage.Storage, info *metainfo.Info) {
	var allocated int64
	files := make([]storage.File, 0, len(info.Files))
	for _, fe := range info.Files {
		select {
		case <-a.closeC:
			a.Error = errCancelled
			a.deliver()
			return
		default:
		}
		f, err := st.Open(fe.FullPath(), fe.Length)
		if err != nil {
			a.Error = err
			a.deliver()
			return
		}
		files = append(files, f)
		allocated += fe.Length
		select {
		case a.progressC <- Progress{AllocatedSize: allocated}:
		case <-a.closeC:
			a.Error = errCancelled
			a.deliver()
			return
		}
	}
	a.Files = files
	a.deliver()
}

func (a *Allocator) deliver() {
	select {
	case a.resultC <- a:
	case <-a.closeC:
	}
}

// Cancel stops allocation early. The Allocator, with Error set to a
// cancellation error, is sent on resultC only if a receiver is ready when
// it notices; otherwise it exits without reporting.
func (a *Allocator) Cancel() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
}

var errCancelled = cancelledError{}

type cancelledError struct{}

func (cancelledError) Error() string { return "allocator: cancelled" }

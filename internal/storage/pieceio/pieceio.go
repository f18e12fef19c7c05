// Package pieceio performs the address translation between
// (piece_index, offset, length) block ranges and the per-file byte ranges
// of a (possibly multi-file) torrent, per spec.md §4.3 "Address
// translation".
package pieceio

import (
	"sort"

	"github.com/ccBitTorrent/ccbt-sub002/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub002/internal/storage"
)

// Layout resolves absolute byte ranges of a torrent's piece stream into
// per-file sub-ranges over the storage.Files that NewLayout opens up front.
type Layout struct {
	info    *metainfo.Info
	sto     storage.Storage
	files   []storage.File
	offsets []int64 // parallel to info.Files, start offset of each file
}

// NewLayout opens every file named in info against sto. Opening up front
// (rather than lazily per write) keeps the write path free of file-creation
// races; it mirrors the allocator phase of spec.md §4.7 ("Checking" state).
func NewLayout(info *metainfo.Info, sto storage.Storage) (*Layout, error) {
	l := &Layout{info: info, sto: sto}
	l.files = make([]storage.File, len(info.Files))
	l.offsets = make([]int64, len(info.Files))
	for i, fe := range info.Files {
		f, err := sto.Open(fe.FullPath(), fe.Length)
		if err != nil {
			return nil, err
		}
		l.files[i] = f
		l.offsets[i] = fe.Offset
	}
	return l, nil
}

// Files returns the opened files, in torrent order.
func (l *Layout) Files() []storage.File { return l.files }

// Close closes every opened file, returning the first error encountered
// (closing continues for the rest so no handle is leaked).
func (l *Layout) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// fileIndexForOffset returns the index of the file containing absolute byte
// offset abs, via binary search on the precomputed offset table.
func (l *Layout) fileIndexForOffset(abs int64) int {
	// sort.Search finds the first file whose offset is > abs, then steps back one.
	i := sort.Search(len(l.offsets), func(i int) bool { return l.offsets[i] > abs })
	return i - 1
}

// subRange is one file's share of a larger read/write.
type subRange struct {
	fileIndex  int
	fileOffset int64 // offset within the file
	length     int64
}

func (l *Layout) split(abs int64, length int64) []subRange {
	var ranges []subRange
	for length > 0 {
		fi := l.fileIndexForOffset(abs)
		if fi < 0 || fi >= len(l.info.Files) {
			break
		}
		fe := l.info.Files[fi]
		fileOff := abs - fe.Offset
		remInFile := fe.Length - fileOff
		take := length
		if take > remInFile {
			take = remInFile
		}
		if take <= 0 {
			// zero-length file entries are legal (empty files); skip past it.
			abs = fe.Offset + fe.Length
			continue
		}
		ranges = append(ranges, subRange{fileIndex: fi, fileOffset: fileOff, length: take})
		abs += take
		length -= take
	}
	return ranges
}

// WriteAt writes data at absolute byte offset abs within the concatenated
// piece stream, splitting across file boundaries as needed.
func (l *Layout) WriteAt(data []byte, abs int64) error {
	off := 0
	for _, r := range l.split(abs, int64(len(data))) {
		chunk := data[off : off+int(r.length)]
		if _, err := l.files[r.fileIndex].WriteAt(chunk, r.fileOffset); err != nil {
			return storage.Classify(l.files[r.fileIndex].Name(), err)
		}
		off += int(r.length)
	}
	return nil
}

// ReadAt reads length bytes starting at absolute offset abs.
func (l *Layout) ReadAt(abs int64, length int64) ([]byte, error) {
	out := make([]byte, length)
	off := 0
	for _, r := range l.split(abs, length) {
		chunk := out[off : off+int(r.length)]
		if _, err := l.files[r.fileIndex].ReadAt(chunk, r.fileOffset); err != nil {
			return nil, storage.Classify(l.files[r.fileIndex].Name(), err)
		}
		off += int(r.length)
	}
	return out, nil
}

// PieceOffset returns the absolute byte offset of the start of piece p.
func (l *Layout) PieceOffset(p uint32) int64 {
	return int64(p) * l.info.PieceLength
}

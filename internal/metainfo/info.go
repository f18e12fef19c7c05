// Package metainfo parses ".torrent" files into an immutable TorrentInfo.
package metainfo

import (
	"crypto/sha1" //nolint:gosec // BitTorrent v1 info-hashes are defined as SHA-1.
	"errors"
	"fmt"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bencode"
)

// FileEntry describes one file in a (possibly multi-file) torrent, flattened
// from either the single-file "length" form or the multi-file "files" list.
type FileEntry struct {
	Path   []string // path components, root-relative
	Length int64
	Offset int64 // byte offset of this file's start within the concatenated piece stream
}

// FullPath joins Path with the OS-independent "/" separator; callers that
// write to disk are responsible for sanitizing path components.
func (f FileEntry) FullPath() string {
	out := ""
	for i, p := range f.Path {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// Info is the immutable, parsed form of a torrent's "info" dictionary: the
// TorrentInfo of spec.md §3. Once constructed it is never mutated.
type Info struct {
	Hash        [20]byte
	Name        string
	PieceLength int64
	Pieces      [][20]byte // ordered SHA-1 piece hashes
	Files       []FileEntry
	TotalLength int64
	Private     bool

	// Bytes holds the raw, original bencoding of the "info" dictionary,
	// exactly as it appeared in the source. Hash was computed over these
	// bytes and they must never be discarded or re-derived by re-encoding,
	// per spec.md P2.
	Bytes []byte
}

// InvalidTorrent is returned when a torrent's structure fails validation.
type InvalidTorrent struct {
	Reason string
}

func (e *InvalidTorrent) Error() string { return "invalid torrent: " + e.Reason }

// NewInfo parses the raw bencoded bytes of an "info" dictionary (exactly as
// extracted from the top-level torrent dict) into an Info.
func NewInfo(raw []byte) (*Info, error) {
	hash := sha1.Sum(raw) //nolint:gosec
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, &InvalidTorrent{Reason: "info dict: " + err.Error()}
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, &InvalidTorrent{Reason: "info is not a dictionary"}
	}

	info := &Info{Hash: hash, Bytes: raw}

	name, _ := d.Get("name")
	if nb, ok := name.([]byte); ok {
		info.Name = string(nb)
	}

	pieceLength, ok := d.Get("piece length")
	if !ok {
		return nil, &InvalidTorrent{Reason: "missing piece length"}
	}
	pl, ok := pieceLength.(int64)
	if !ok || pl <= 0 {
		return nil, &InvalidTorrent{Reason: "piece length must be a positive integer"}
	}
	info.PieceLength = pl

	piecesRaw, ok := d.Get("pieces")
	if !ok {
		return nil, &InvalidTorrent{Reason: "missing pieces"}
	}
	pb, ok := piecesRaw.([]byte)
	if !ok || len(pb)%20 != 0 {
		return nil, &InvalidTorrent{Reason: "pieces must be a multiple of 20 bytes"}
	}
	numPieces := len(pb) / 20
	info.Pieces = make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(info.Pieces[i][:], pb[i*20:(i+1)*20])
	}

	if p, ok := d.Get("private"); ok {
		if pv, ok := p.(int64); ok && pv == 1 {
			info.Private = true
		}
	}

	if length, ok := d.Get("length"); ok {
		l, ok := length.(int64)
		if !ok || l < 0 {
			return nil, &InvalidTorrent{Reason: "length must be a non-negative integer"}
		}
		info.Files = []FileEntry{{Path: []string{info.Name}, Length: l, Offset: 0}}
		info.TotalLength = l
	} else if filesRaw, ok := d.Get("files"); ok {
		files, ok := filesRaw.([]interface{})
		if !ok {
			return nil, &InvalidTorrent{Reason: "files must be a list"}
		}
		var offset int64
		for _, fv := range files {
			fd, ok := fv.(*bencode.Dict)
			if !ok {
				return nil, &InvalidTorrent{Reason: "file entry must be a dictionary"}
			}
			lengthV, ok := fd.Get("length")
			if !ok {
				return nil, &InvalidTorrent{Reason: "file entry missing length"}
			}
			l, ok := lengthV.(int64)
			if !ok || l < 0 {
				return nil, &InvalidTorrent{Reason: "file length must be a non-negative integer"}
			}
			pathV, ok := fd.Get("path")
			if !ok {
				return nil, &InvalidTorrent{Reason: "file entry missing path"}
			}
			pathList, ok := pathV.([]interface{})
			if !ok || len(pathList) == 0 {
				return nil, &InvalidTorrent{Reason: "file path must be a non-empty list"}
			}
			path := make([]string, len(pathList))
			for i, pc := range pathList {
				pb, ok := pc.([]byte)
				if !ok {
					return nil, &InvalidTorrent{Reason: "file path component must be a string"}
				}
				path[i] = string(pb)
			}
			info.Files = append(info.Files, FileEntry{Path: path, Length: l, Offset: offset})
			offset += l
		}
		info.TotalLength = offset
	} else {
		return nil, &InvalidTorrent{Reason: "info dict has neither length nor files"}
	}

	expectedPieces := (info.TotalLength + info.PieceLength - 1) / info.PieceLength
	if info.TotalLength == 0 {
		expectedPieces = 0
	}
	if int64(len(info.Pieces)) != expectedPieces {
		return nil, &InvalidTorrent{Reason: fmt.Sprintf(
			"piece count mismatch: got %d pieces for %d total bytes at piece length %d (expected %d)",
			len(info.Pieces), info.TotalLength, info.PieceLength, expectedPieces)}
	}

	return info, nil
}

// NumPieces returns the piece count, ceil(TotalLength / PieceLength).
func (i *Info) NumPieces() int { return len(i.Pieces) }

// PieceLen returns the length of piece p, accounting for a possibly short
// last piece.
func (i *Info) PieceLen(p int) int64 {
	if p < 0 || p >= len(i.Pieces) {
		return 0
	}
	if p == len(i.Pieces)-1 {
		rem := i.TotalLength - int64(p)*i.PieceLength
		if rem > 0 && rem < i.PieceLength {
			return rem
		}
	}
	return i.PieceLength
}

var errNoInfoDict = errors.New("metainfo: no info dict in torrent file")

// Package humanresumer encodes a Checkpoint as a human-readable bencoded
// file (spec.md §6 "Checkpoint format (a)"), an alternative to
// boltdbresumer's compact binary layout. Both encode the same fields and
// are independently round-trippable; this one is meant to be inspected or
// hand-edited with a text editor, at the cost of being larger on disk.
package humanresumer

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
)

func nanoToTime(n int64) time.Time { return time.Unix(0, n).UTC() }

// Encode serializes a Spec as a bencoded dictionary.
func Encode(s *resumer.Spec) []byte {
	d := bencode.NewDict()
	d.Set("info_hash", s.InfoHash)
	d.Set("info", s.Info)
	d.Set("bitfield", s.Bitfield)
	d.Set("dest", []byte(s.Dest))
	d.Set("port", int64(s.Port))
	d.Set("name", []byte(s.Name))
	d.Set("created_at", s.CreatedAt.UTC().UnixNano())
	d.Set("bytes_downloaded", s.BytesDownloaded)
	d.Set("bytes_uploaded", s.BytesUploaded)
	d.Set("bytes_wasted", s.BytesWasted)
	d.Set("seeded_for_ns", int64(s.SeededFor))
	trackers := make([]interface{}, len(s.Trackers))
	for i, t := range s.Trackers {
		trackers[i] = []byte(t)
	}
	d.Set("trackers", trackers)
	return bencode.Encode(d)
}

// Decode parses the bencoded dictionary produced by Encode.
func Decode(raw []byte) (*resumer.Spec, error) {
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, errNotADict
	}
	s := &resumer.Spec{}
	if ih, ok := d.Get("info_hash"); ok {
		s.InfoHash, _ = ih.([]byte)
	}
	if info, ok := d.Get("info"); ok {
		s.Info, _ = info.([]byte)
	}
	if bf, ok := d.Get("bitfield"); ok {
		s.Bitfield, _ = bf.([]byte)
	}
	if dest, ok := d.Get("dest"); ok {
		if b, ok := dest.([]byte); ok {
			s.Dest = string(b)
		}
	}
	if port, ok := d.Get("port"); ok {
		if n, ok := port.(int64); ok {
			s.Port = int(n)
		}
	}
	if name, ok := d.Get("name"); ok {
		if b, ok := name.([]byte); ok {
			s.Name = string(b)
		}
	}
	if ca, ok := d.Get("created_at"); ok {
		if n, ok := ca.(int64); ok {
			s.CreatedAt = nanoToTime(n)
		}
	}
	if bd, ok := d.Get("bytes_downloaded"); ok {
		s.BytesDownloaded, _ = bd.(int64)
	}
	if bu, ok := d.Get("bytes_uploaded"); ok {
		s.BytesUploaded, _ = bu.(int64)
	}
	if bw, ok := d.Get("bytes_wasted"); ok {
		s.BytesWasted, _ = bw.(int64)
	}
	if sf, ok := d.Get("seeded_for_ns"); ok {
		if n, ok := sf.(int64); ok {
			s.SeededFor = time.Duration(n)
		}
	}
	if trackersV, ok := d.Get("trackers"); ok {
		if list, ok := trackersV.([]interface{}); ok {
			for _, t := range list {
				if b, ok := t.([]byte); ok {
					s.Trackers = append(s.Trackers, string(b))
				}
			}
		}
	}
	return s, nil
}

// Save writes the bencoded Checkpoint to path atomically.
func Save(path string, s *resumer.Spec) error {
	return resumer.WriteFileAtomic(path, Encode(s), 0640)
}

// Load reads and decodes a Checkpoint previously written by Save.
func Load(path string) (*resumer.Spec, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, resumer.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// FileResumer is a resumer.Resumer backed by one bencoded file per torrent
// under dir (spec.md §6 "Checkpoint format (a)"), suitable when an
// operator wants checkpoints they can inspect or hand-edit instead of
// boltdbresumer's single shared binary file.
type FileResumer struct {
	mu   sync.Mutex
	path string
}

// NewFileResumer returns a FileResumer for torrent id, rooted at dir. dir
// is created if it doesn't already exist.
func NewFileResumer(dir string, id string) (*FileResumer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return &FileResumer{path: filepath.Join(dir, id+".checkpoint")}, nil
}

// Read loads and decodes the Checkpoint, or resumer.ErrNotFound.
func (r *FileResumer) Read() (*resumer.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Load(r.path)
}

// Write encodes and stores the full Checkpoint.
func (r *FileResumer) Write(s *resumer.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Save(r.path, s)
}

// WriteInfo updates only the raw info dict.
func (r *FileResumer) WriteInfo(info []byte) error {
	return r.mutate(func(s *resumer.Spec) { s.Info = info })
}

// WriteBitfield updates only the verified-pieces bitfield.
func (r *FileResumer) WriteBitfield(bf []byte) error {
	return r.mutate(func(s *resumer.Spec) { s.Bitfield = bf })
}

// WriteStats updates only the byte counters.
func (r *FileResumer) WriteStats(stats resumer.Stats) error {
	return r.mutate(func(s *resumer.Spec) { s.Stats = stats })
}

// WriteStarted records whether the torrent should auto-start on next load,
// in a sidecar file next to the checkpoint itself (started state isn't
// part of the Checkpoint record proper).
func (r *FileResumer) WriteStarted(started bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := []byte("0")
	if started {
		v = []byte("1")
	}
	return resumer.WriteFileAtomic(r.path+".started", v, 0640)
}

func (r *FileResumer) mutate(f func(*resumer.Spec)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := Load(r.path)
	if err == resumer.ErrNotFound {
		s = &resumer.Spec{}
	} else if err != nil {
		return err
	}
	f(s)
	return Save(r.path, s)
}

var errNotADict = decodeError("humanresumer: top-level value is not a dictionary")

type decodeError string

func (e decodeError) Error() string { return string(e) }

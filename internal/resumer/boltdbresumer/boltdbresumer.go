// Package boltdbresumer implements resumer.Resumer on top of BoltDB,
// encoding each Checkpoint in a compact big-endian binary layout: a 4-byte
// magic, 2-byte version, 20-byte info-hash, 4-byte piece count (bitfield
// length times 8), 4-byte bitfield length, the bitfield bytes, three 8-byte
// counters (downloaded, uploaded, wasted), an 8-byte creation timestamp, an
// 8-byte seeded-for duration, then the length-prefixed destination, a
// 2-byte port, the length-prefixed name and raw info dict, and a 4-byte
// tracker count followed by length-prefixed tracker URLs. There is no
// separate source-reference field and no compressed payload.
package boltdbresumer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/boltdb/bolt"

	"github.com/ccBitTorrent/ccbt-sub002/internal/resumer"
)

var magic = [4]byte{'C', 'C', 'B', 'T'}

const version uint16 = 1

var (
	keySpec = []byte("checkpoint")
)

// Resumer is a resumer.Resumer backed by one BoltDB sub-bucket per torrent.
type Resumer struct {
	db     *bolt.DB
	bucket []byte // parent bucket, e.g. "torrents"
	id     []byte // this torrent's sub-bucket name
}

// New returns a Resumer for torrent id, creating its sub-bucket under
// bucket if it doesn't already exist.
func New(db *bolt.DB, bucket []byte, id []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucket).CreateBucketIfNotExists(id)
		if err != nil {
			return err
		}
		_ = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, id: id}, nil
}

func (r *Resumer) sub(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(r.bucket).Bucket(r.id)
}

// Read decodes the stored Checkpoint, or resumer.ErrNotFound.
func (r *Resumer) Read() (*resumer.Spec, error) {
	var spec *resumer.Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		b := r.sub(tx)
		if b == nil {
			return resumer.ErrNotFound
		}
		raw := b.Get(keySpec)
		if raw == nil {
			return resumer.ErrNotFound
		}
		s, err := Decode(raw)
		if err != nil {
			return err
		}
		spec = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// Write encodes and stores the full Checkpoint.
func (r *Resumer) Write(spec *resumer.Spec) error {
	raw, err := Encode(spec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.sub(tx).Put(keySpec, raw)
	})
}

// WriteInfo updates only the raw info dict (populated once a magnet's
// metadata finishes downloading).
func (r *Resumer) WriteInfo(info []byte) error {
	return r.mutate(func(s *resumer.Spec) { s.Info = info })
}

// WriteBitfield updates only the verified-pieces bitfield.
func (r *Resumer) WriteBitfield(bf []byte) error {
	return r.mutate(func(s *resumer.Spec) { s.Bitfield = bf })
}

// WriteStats updates only the byte counters.
func (r *Resumer) WriteStats(stats resumer.Stats) error {
	return r.mutate(func(s *resumer.Spec) { s.Stats = stats })
}

// WriteStarted records whether the torrent should auto-start on next load.
func (r *Resumer) WriteStarted(started bool) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		v := []byte("0")
		if started {
			v = []byte("1")
		}
		return r.sub(tx).Put([]byte("started"), v)
	})
}

func (r *Resumer) mutate(f func(*resumer.Spec)) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := r.sub(tx)
		raw := b.Get(keySpec)
		var spec *resumer.Spec
		if raw != nil {
			s, err := Decode(raw)
			if err != nil {
				return err
			}
			spec = s
		} else {
			spec = &resumer.Spec{}
		}
		f(spec)
		encoded, err := Encode(spec)
		if err != nil {
			return err
		}
		return b.Put(keySpec, encoded)
	})
}

// Encode serializes a Spec using the binary layout described in the package
// comment.
func Encode(s *resumer.Spec) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, version)
	var ih [20]byte
	copy(ih[:], s.InfoHash)
	buf.Write(ih[:])
	pieceCount := uint32(len(s.Bitfield) * 8)
	_ = binary.Write(&buf, binary.BigEndian, pieceCount)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(s.Bitfield)))
	buf.Write(s.Bitfield)
	_ = binary.Write(&buf, binary.BigEndian, s.BytesDownloaded)
	_ = binary.Write(&buf, binary.BigEndian, s.BytesUploaded)
	_ = binary.Write(&buf, binary.BigEndian, s.BytesWasted)
	_ = binary.Write(&buf, binary.BigEndian, s.CreatedAt.UTC().UnixNano())
	_ = binary.Write(&buf, binary.BigEndian, int64(s.SeededFor))

	writeLP := func(b []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(b)))
		buf.Write(b)
	}
	writeLP([]byte(s.Dest))
	_ = binary.Write(&buf, binary.BigEndian, uint16(s.Port))
	writeLP([]byte(s.Name))
	writeLP(s.Info)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(s.Trackers)))
	for _, t := range s.Trackers {
		writeLP([]byte(t))
	}
	return buf.Bytes(), nil
}

var errBadMagic = errors.New("boltdbresumer: bad magic")
var errBadVersion = errors.New("boltdbresumer: unsupported version")

// Decode parses the binary layout produced by Encode.
func Decode(raw []byte) (*resumer.Spec, error) {
	r := bytes.NewReader(raw)
	var m [4]byte
	if _, err := r.Read(m[:]); err != nil {
		return nil, err
	}
	if m != magic {
		return nil, errBadMagic
	}
	var v uint16
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	if v != version {
		return nil, errBadVersion
	}
	var ih [20]byte
	if _, err := r.Read(ih[:]); err != nil {
		return nil, err
	}
	var pieceCount, bfLen uint32
	if err := binary.Read(r, binary.BigEndian, &pieceCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &bfLen); err != nil {
		return nil, err
	}
	bf := make([]byte, bfLen)
	if _, err := r.Read(bf); err != nil {
		return nil, err
	}
	spec := &resumer.Spec{InfoHash: append([]byte(nil), ih[:]...), Bitfield: bf}
	if err := binary.Read(r, binary.BigEndian, &spec.BytesDownloaded); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &spec.BytesUploaded); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &spec.BytesWasted); err != nil {
		return nil, err
	}
	var createdNano int64
	if err := binary.Read(r, binary.BigEndian, &createdNano); err != nil {
		return nil, err
	}
	spec.CreatedAt = time.Unix(0, createdNano).UTC()
	var seededNano int64
	if err := binary.Read(r, binary.BigEndian, &seededNano); err != nil {
		return nil, err
	}
	spec.SeededFor = time.Duration(seededNano)

	readLP := func() ([]byte, error) {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if n > 0 {
			if _, err := r.Read(b); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	dest, err := readLP()
	if err != nil {
		return nil, err
	}
	spec.Dest = string(dest)
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return nil, err
	}
	spec.Port = int(port)
	name, err := readLP()
	if err != nil {
		return nil, err
	}
	spec.Name = string(name)
	info, err := readLP()
	if err != nil {
		return nil, err
	}
	spec.Info = info
	var numTrackers uint32
	if err := binary.Read(r, binary.BigEndian, &numTrackers); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numTrackers; i++ {
		tr, err := readLP()
		if err != nil {
			return nil, err
		}
		spec.Trackers = append(spec.Trackers, string(tr))
	}
	return spec, nil
}

// Cleanup removes every torrent sub-bucket under bucket whose stored
// Checkpoint's CreatedAt is older than maxAge (spec.md §4.3 "Retention").
func Cleanup(db *bolt.DB, bucket []byte, maxAge time.Duration, now time.Time) error {
	cutoff := now.Add(-maxAge)
	return db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucket)
		var stale [][]byte
		err := parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a sub-bucket
			}
			sub := parent.Bucket(name)
			raw := sub.Get(keySpec)
			if raw == nil {
				return nil
			}
			spec, err := Decode(raw)
			if err != nil {
				return nil //nolint:nilerr // a corrupt entry is skipped, not fatal to cleanup
			}
			if spec.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range stale {
			if err := parent.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

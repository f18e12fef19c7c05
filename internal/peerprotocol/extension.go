package peerprotocol

import (
	"io"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bencode"
)

// Extension message IDs are negotiated per-connection via the handshake
// dict's "m" sub-dict (BEP 10); these are only the local names this
// implementation assigns to the extensions it supports.
const (
	ExtensionHandshakeID byte = 0 // reserved by BEP 10, never renegotiated
)

// Well-known extension names (BEP 9 ut_metadata, BEP 11 ut_pex).
const (
	ExtensionMetadataName = "ut_metadata"
	ExtensionPEXName      = "ut_pex"
)

// Local extended-message ids this implementation always advertises in its
// own handshake's "m" dict; a correct peer echoes these ids back to us when
// it sends us ut_metadata/ut_pex messages (BEP 10: the sender uses the id
// the RECEIVER published).
const (
	ExtensionMetadataLocalID byte = 1
	ExtensionPEXLocalID      byte = 2
)

// ExtensionHandshakeMessage is the bencoded dict sent as the payload of
// an Extended message with id 0, right after the BEP 3 handshake when
// ReservedExtension is set on both sides.
type ExtensionHandshakeMessage struct {
	M            map[string]int64 // extension name -> local message id
	V            string           // client version string
	P            uint16           // listening port, if any
	MetadataSize int64            // info dict size, if known (BEP 9)
}

// Encode renders the handshake as a bencoded dict.
func (h ExtensionHandshakeMessage) Encode() []byte {
	m := bencode.NewDict()
	for name, id := range h.M {
		m.Set(name, id)
	}
	d := bencode.NewDict()
	d.Set("m", m)
	if h.V != "" {
		d.Set("v", h.V)
	}
	if h.P != 0 {
		d.Set("p", int64(h.P))
	}
	if h.MetadataSize != 0 {
		d.Set("metadata_size", h.MetadataSize)
	}
	return bencode.Encode(d)
}

// DecodeExtensionHandshake parses a bencoded extension handshake dict.
func DecodeExtensionHandshake(raw []byte) (*ExtensionHandshakeMessage, error) {
	v, _, err := bencode.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, errBadProtocol
	}
	h := &ExtensionHandshakeMessage{M: map[string]int64{}}
	if mv, ok := d.Get("m"); ok {
		if md, ok := mv.(*bencode.Dict); ok {
			for _, k := range md.Keys() {
				val, _ := md.Get(k)
				if iv, ok := val.(int64); ok {
					h.M[k] = iv
				}
			}
		}
	}
	if vv, ok := d.Get("v"); ok {
		if s, ok := vv.([]byte); ok {
			h.V = string(s)
		}
	}
	if pv, ok := d.Get("p"); ok {
		if iv, ok := pv.(int64); ok {
			h.P = uint16(iv)
		}
	}
	if msv, ok := d.Get("metadata_size"); ok {
		if iv, ok := msv.(int64); ok {
			h.MetadataSize = iv
		}
	}
	return h, nil
}

// WriteExtensionHandshake frames and writes an Extended(id=0) message.
func WriteExtensionHandshake(w io.Writer, h ExtensionHandshakeMessage) error {
	payload := append([]byte{ExtensionHandshakeID}, h.Encode()...)
	return writeFrame(w, Extended, payload)
}

// MetadataMessageType enumerates BEP 9 ut_metadata sub-messages.
type MetadataMessageType int64

const (
	MetadataRequest MetadataMessageType = 0
	MetadataData    MetadataMessageType = 1
	MetadataReject  MetadataMessageType = 2
)

// ExtensionMetadataMessage is a ut_metadata sub-message; for MetadataData
// the raw piece bytes follow the bencoded header in the same payload and
// are carried separately to avoid re-copying large pieces.
type ExtensionMetadataMessage struct {
	Type      MetadataMessageType
	Piece     int64
	TotalSize int64 // only meaningful for MetadataData
}

// Encode renders the ut_metadata dict header (without any trailing piece bytes).
func (m ExtensionMetadataMessage) Encode() []byte {
	d := bencode.NewDict()
	d.Set("msg_type", int64(m.Type))
	d.Set("piece", m.Piece)
	if m.Type == MetadataData && m.TotalSize != 0 {
		d.Set("total_size", m.TotalSize)
	}
	return bencode.Encode(d)
}

// DecodeExtensionMetadata parses a ut_metadata dict header; trailing is any
// bytes in raw following the bencoded dict (the data piece, for MetadataData).
func DecodeExtensionMetadata(raw []byte) (msg ExtensionMetadataMessage, trailing []byte, err error) {
	v, consumed, err := bencode.DecodeValue(raw)
	if err != nil {
		return ExtensionMetadataMessage{}, nil, err
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return ExtensionMetadataMessage{}, nil, errBadProtocol
	}
	if mt, ok := d.Get("msg_type"); ok {
		if iv, ok := mt.(int64); ok {
			msg.Type = MetadataMessageType(iv)
		}
	}
	if p, ok := d.Get("piece"); ok {
		if iv, ok := p.(int64); ok {
			msg.Piece = iv
		}
	}
	if ts, ok := d.Get("total_size"); ok {
		if iv, ok := ts.(int64); ok {
			msg.TotalSize = iv
		}
	}
	return msg, raw[consumed:], nil
}

// ExtensionPEXMessage is a ut_pex sub-message (BEP 11): compact peer lists
// of additions and drops since the last message.
type ExtensionPEXMessage struct {
	Added   []byte // compact "ip:port" entries, 6 bytes each (IPv4)
	AddedF  []byte // per-added-peer flags, one byte each
	Dropped []byte
}

// Encode renders the ut_pex dict.
func (m ExtensionPEXMessage) Encode() []byte {
	d := bencode.NewDict()
	if len(m.Added) > 0 {
		d.Set("added", string(m.Added))
	}
	if len(m.AddedF) > 0 {
		d.Set("added.f", string(m.AddedF))
	}
	if len(m.Dropped) > 0 {
		d.Set("dropped", string(m.Dropped))
	}
	return bencode.Encode(d)
}

// DecodeExtensionPEX parses a ut_pex dict.
func DecodeExtensionPEX(raw []byte) (*ExtensionPEXMessage, error) {
	v, _, err := bencode.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, errBadProtocol
	}
	m := &ExtensionPEXMessage{}
	if a, ok := d.Get("added"); ok {
		if s, ok := a.([]byte); ok {
			m.Added = s
		}
	}
	if a, ok := d.Get("added.f"); ok {
		if s, ok := a.([]byte); ok {
			m.AddedF = s
		}
	}
	if dr, ok := d.Get("dropped"); ok {
		if s, ok := dr.([]byte); ok {
			m.Dropped = s
		}
	}
	return m, nil
}

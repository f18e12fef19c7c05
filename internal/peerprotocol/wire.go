package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	errOversizeMessage = errors.New("peerprotocol: message exceeds maximum length")
	errShortRequest    = errors.New("peerprotocol: request-shaped message too short")
)

// ReadMessageHeader reads the 4-byte length prefix and, if non-zero, the
// 1-byte message id. A zero length is a keep-alive; ok is false in that
// case and the caller should loop.
func ReadMessageHeader(r io.Reader) (id MessageID, length uint32, ok bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, false, err
	}
	length = binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, 0, false, nil // keep-alive
	}
	if length > MaxMessageLength {
		return 0, 0, false, errOversizeMessage
	}
	var idBuf [1]byte
	if _, err = io.ReadFull(r, idBuf[:]); err != nil {
		return 0, 0, false, err
	}
	return MessageID(idBuf[0]), length - 1, true, nil
}

// WriteKeepAlive writes a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

func writeFrame(w io.Writer, id MessageID, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(1+len(payload)))
	hdr[4] = byte(id)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteSimple writes a message that carries no payload (Choke, Unchoke,
// Interested, NotInterested, HaveAll, HaveNone).
func WriteSimple(w io.Writer, id MessageID) error {
	return writeFrame(w, id, nil)
}

// WriteHave writes a Have message.
func WriteHave(w io.Writer, index uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], index)
	return writeFrame(w, Have, payload[:])
}

// WriteBitfield writes a Bitfield message.
func WriteBitfield(w io.Writer, packed []byte) error {
	return writeFrame(w, Bitfield, packed)
}

// WriteRequest writes a Request (or, with a different id, Cancel/RejectRequest).
func WriteRequest(w io.Writer, id MessageID, m RequestMessage) error {
	var payload [12]byte
	binary.BigEndian.PutUint32(payload[0:4], m.Index)
	binary.BigEndian.PutUint32(payload[4:8], m.Begin)
	binary.BigEndian.PutUint32(payload[8:12], m.Length)
	return writeFrame(w, id, payload[:])
}

// WritePiece writes a Piece message's header and block payload.
func WritePiece(w io.Writer, m PieceMessage, data []byte) error {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], m.Index)
	binary.BigEndian.PutUint32(payload[4:8], m.Begin)
	copy(payload[8:], data)
	return writeFrame(w, Piece, payload)
}

// WritePort writes a Port message (BEP 5).
func WritePort(w io.Writer, port uint16) error {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], port)
	return writeFrame(w, Port, payload[:])
}

// WriteAllowedFast writes an AllowedFast message (BEP 6).
func WriteAllowedFast(w io.Writer, index uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], index)
	return writeFrame(w, AllowedFast, payload[:])
}

// WriteExtendedRaw writes an Extended message whose payload (local
// sub-message id byte plus bencoded body plus any trailing raw bytes) the
// caller has already assembled.
func WriteExtendedRaw(w io.Writer, payload []byte) error {
	return writeFrame(w, Extended, payload)
}

// DecodeHave parses a Have payload.
func DecodeHave(payload []byte) (HaveMessage, error) {
	if len(payload) != 4 {
		return HaveMessage{}, errShortRequest
	}
	return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
}

// DecodeRequest parses a Request/Cancel/RejectRequest payload.
func DecodeRequest(payload []byte) (RequestMessage, error) {
	if len(payload) != 12 {
		return RequestMessage{}, errShortRequest
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// DecodePieceHeader parses a Piece message's 8-byte header; the remaining
// bytes of payload are the block data.
func DecodePieceHeader(payload []byte) (PieceMessage, []byte, error) {
	if len(payload) < 8 {
		return PieceMessage{}, nil, errShortRequest
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
	}, payload[8:], nil
}

// DecodePort parses a Port payload.
func DecodePort(payload []byte) (PortMessage, error) {
	if len(payload) != 2 {
		return PortMessage{}, errShortRequest
	}
	return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
}

package peerconn

import (
	"context"
	"io"

	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
)

func (c *Conn) readLoop() {
	defer close(c.messagesC)
	_ = c.conn.SetReadDeadline(zeroTimeIfNoDeadline())
	for {
		if err := setReadDeadline(c.conn, idleTimeout); err != nil {
			return
		}
		id, length, ok, err := peerprotocol.ReadMessageHeader(c.conn)
		if err != nil {
			if err != io.EOF {
				c.log.Debugln("peerconn: read error:", err)
			}
			return
		}
		if !ok {
			continue // keep-alive
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.log.Debugln("peerconn: short payload:", err)
			return
		}
		msg, err := decodeMessage(id, payload)
		if err != nil {
			c.log.Debugln("peerconn: decode error:", err)
			return
		}
		if pm, ok := msg.(PieceMessage); ok && c.limiter != nil {
			if err := c.limiter.WaitDown(context.Background(), len(pm.Data)); err != nil {
				return
			}
		}
		select {
		case c.messagesC <- msg:
		case <-c.closeC:
			return
		}
	}
}

func decodeMessage(id peerprotocol.MessageID, payload []byte) (interface{}, error) {
	switch id {
	case peerprotocol.Choke:
		return ChokeMessage{}, nil
	case peerprotocol.Unchoke:
		return UnchokeMessage{}, nil
	case peerprotocol.Interested:
		return InterestedMessage{}, nil
	case peerprotocol.NotInterested:
		return NotInterestedMessage{}, nil
	case peerprotocol.HaveAll:
		return HaveAllMessage{}, nil
	case peerprotocol.HaveNone:
		return HaveNoneMessage{}, nil
	case peerprotocol.Have:
		h, err := peerprotocol.DecodeHave(payload)
		if err != nil {
			return nil, err
		}
		return HaveMessage{Index: h.Index}, nil
	case peerprotocol.Bitfield:
		return BitfieldMessage{Data: payload}, nil
	case peerprotocol.Request, peerprotocol.SuggestPiece:
		r, err := peerprotocol.DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return RequestMessage{r}, nil
	case peerprotocol.Cancel:
		r, err := peerprotocol.DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return CancelMessage{r}, nil
	case peerprotocol.RejectRequest:
		r, err := peerprotocol.DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return RejectMessage{r}, nil
	case peerprotocol.AllowedFast:
		h, err := peerprotocol.DecodeHave(payload)
		if err != nil {
			return nil, err
		}
		return AllowedFastMessage{Index: h.Index}, nil
	case peerprotocol.Piece:
		hdr, data, err := peerprotocol.DecodePieceHeader(payload)
		if err != nil {
			return nil, err
		}
		return PieceMessage{Index: hdr.Index, Begin: hdr.Begin, Data: data}, nil
	case peerprotocol.Port:
		p, err := peerprotocol.DecodePort(payload)
		if err != nil {
			return nil, err
		}
		return PortMessage{Port: p.Port}, nil
	case peerprotocol.Extended:
		return decodeExtended(payload)
	default:
		return nil, errUnknownMessage
	}
}

func decodeExtended(payload []byte) (interface{}, error) {
	if len(payload) < 1 {
		return nil, errShortExtended
	}
	localID := payload[0]
	body := payload[1:]
	switch {
	case localID == peerprotocol.ExtensionHandshakeID:
		h, err := peerprotocol.DecodeExtensionHandshake(body)
		if err != nil {
			return nil, err
		}
		return ExtensionHandshakeMessage{*h}, nil
	case localID == peerprotocol.ExtensionMetadataLocalID:
		m, trailing, err := peerprotocol.DecodeExtensionMetadata(body)
		if err != nil {
			return nil, err
		}
		return ExtensionMetadataMessage{m, trailing}, nil
	case localID == peerprotocol.ExtensionPEXLocalID:
		m, err := peerprotocol.DecodeExtensionPEX(body)
		if err != nil {
			return nil, err
		}
		return ExtensionPEXMessage{*m}, nil
	default:
		return unknownExtensionMessage{LocalID: localID, Payload: body}, nil
	}
}

// unknownExtensionMessage is surfaced but ignored by the peer state
// machine, per spec.md §4.4: "Unknown extended ids are ignored silently."
type unknownExtensionMessage struct {
	LocalID byte
	Payload []byte
}

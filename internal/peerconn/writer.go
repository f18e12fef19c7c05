package peerconn

import (
	"context"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
)

// keepAliveInterval sends a zero-length frame on an otherwise idle
// connection well inside idleTimeout so the remote doesn't time us out.
const keepAliveInterval = 90 * time.Second

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-c.sendC:
			if err := c.writeOne(m); err != nil {
				c.log.Debugln("peerconn: write error:", err)
				return
			}
		case <-ticker.C:
			if err := peerprotocol.WriteKeepAlive(c.conn); err != nil {
				return
			}
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeOne(m interface{}) error {
	switch v := m.(type) {
	case outboundSimple:
		return peerprotocol.WriteSimple(c.conn, v.id)
	case outboundHave:
		return peerprotocol.WriteHave(c.conn, v.index)
	case outboundBitfield:
		return peerprotocol.WriteBitfield(c.conn, v.data)
	case outboundRequest:
		return peerprotocol.WriteRequest(c.conn, v.id, peerprotocol.RequestMessage{Index: v.index, Begin: v.begin, Length: v.length})
	case outboundPiece:
		if c.limiter != nil {
			if err := c.limiter.WaitUp(context.Background(), len(v.data)); err != nil {
				return err
			}
		}
		return peerprotocol.WritePiece(c.conn, peerprotocol.PieceMessage{Index: v.index, Begin: v.begin}, v.data)
	case outboundPort:
		return peerprotocol.WritePort(c.conn, v.port)
	case outboundExtHandshake:
		return peerprotocol.WriteExtensionHandshake(c.conn, v.h)
	case outboundExtMetadata:
		payload := append([]byte{v.localID}, v.m.Encode()...)
		payload = append(payload, v.data...)
		return peerprotocol.WriteExtendedRaw(c.conn, payload)
	case outboundExtPEX:
		payload := append([]byte{v.localID}, v.m.Encode()...)
		return peerprotocol.WriteExtendedRaw(c.conn, payload)
	default:
		return errUnknownMessage
	}
}

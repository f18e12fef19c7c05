package peerconn

import "github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"

// ChokeMessage, UnchokeMessage, InterestedMessage, and NotInterestedMessage
// are payload-less state announcements.
type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}
type HaveAllMessage struct{}
type HaveNoneMessage struct{}

// HaveMessage announces possession of one piece.
type HaveMessage struct {
	Index uint32
}

// BitfieldMessage carries the sender's full piece bitfield.
type BitfieldMessage struct {
	Data []byte
}

// RequestMessage, CancelMessage, and RejectMessage share the block-address shape.
type RequestMessage struct{ peerprotocol.RequestMessage }
type CancelMessage struct{ peerprotocol.RequestMessage }
type RejectMessage struct{ peerprotocol.RequestMessage }
type AllowedFastMessage struct{ Index uint32 }

// PieceMessage is a decoded Piece message with its block payload attached.
type PieceMessage struct {
	Index uint32
	Begin uint32
	Data  []byte
}

// PortMessage announces a DHT node listening port.
type PortMessage struct {
	Port uint16
}

// ExtensionHandshakeMessage is the decoded BEP 10 handshake dict.
type ExtensionHandshakeMessage struct {
	peerprotocol.ExtensionHandshakeMessage
}

// ExtensionMetadataMessage is a decoded ut_metadata sub-message; Data holds
// the trailing piece bytes for MetadataData messages.
type ExtensionMetadataMessage struct {
	peerprotocol.ExtensionMetadataMessage
	Data []byte
}

// ExtensionPEXMessage is a decoded ut_pex sub-message.
type ExtensionPEXMessage struct {
	peerprotocol.ExtensionPEXMessage
}

package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, 20))
	var reserved [8]byte
	SetBit(&reserved, ReservedExtension)
	SetBit(&reserved, ReservedFast)

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, infoHash, peerID, reserved))

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
	assert.True(t, TestBit(got.Reserved, ReservedExtension))
	assert.True(t, TestBit(got.Reserved, ReservedFast))
	assert.False(t, TestBit(got.Reserved, ReservedDHT))
}

func TestHandshakeRejectsWrongProtocol(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(3)
	buf.WriteString("abc")
	buf.Write(make([]byte, 48))
	_, err := ReadHandshake(&buf)
	assert.ErrorIs(t, err, errBadProtocol)
}

func TestRequestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, Request, RequestMessage{Index: 1, Begin: 16384, Length: 16384}))

	id, length, ok, err := ReadMessageHeader(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Request, id)
	payload := make([]byte, length)
	_, err = buf.Read(payload)
	require.NoError(t, err)
	m, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.Index)
	assert.Equal(t, uint32(16384), m.Begin)
	assert.Equal(t, uint32(16384), m.Length)
}

func TestKeepAliveIsNotOK(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	_, _, ok, err := ReadMessageHeader(&buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPieceFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := bytes.Repeat([]byte{0x7}, 1024)
	require.NoError(t, WritePiece(&buf, PieceMessage{Index: 5, Begin: 0}, data))

	id, length, ok, err := ReadMessageHeader(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Piece, id)
	payload := make([]byte, length)
	_, err = buf.Read(payload)
	require.NoError(t, err)
	hdr, block, err := DecodePieceHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), hdr.Index)
	assert.Equal(t, data, block)
}

func TestOversizeMessageRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, _, _, err := ReadMessageHeader(&buf)
	assert.ErrorIs(t, err, errOversizeMessage)
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	h := ExtensionHandshakeMessage{
		M:            map[string]int64{ExtensionMetadataName: 1, ExtensionPEXName: 2},
		V:            "ccbt/0.1",
		MetadataSize: 4096,
	}
	raw := h.Encode()
	got, err := DecodeExtensionHandshake(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.M[ExtensionMetadataName])
	assert.Equal(t, int64(2), got.M[ExtensionPEXName])
	assert.Equal(t, "ccbt/0.1", got.V)
	assert.Equal(t, int64(4096), got.MetadataSize)
}

func TestExtensionMetadataMessageWithTrailingPiece(t *testing.T) {
	header := ExtensionMetadataMessage{Type: MetadataData, Piece: 0, TotalSize: 16384}
	raw := append(header.Encode(), bytes.Repeat([]byte{0x9}, 16384)...)
	got, trailing, err := DecodeExtensionMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, MetadataData, got.Type)
	assert.Equal(t, int64(16384), got.TotalSize)
	assert.Len(t, trailing, 16384)
}

func TestExtensionPEXRoundTrip(t *testing.T) {
	m := ExtensionPEXMessage{Added: []byte{1, 2, 3, 4, 5, 6}, Dropped: []byte{7, 8, 9, 10, 11, 12}}
	raw := m.Encode()
	got, err := DecodeExtensionPEX(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Added, got.Added)
	assert.Equal(t, m.Dropped, got.Dropped)
}

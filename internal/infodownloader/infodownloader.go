// Package infodownloader fetches the "info" dictionary from a peer over
// BEP 9 ut_metadata, 16-KiB piece at a time, once a magnet's metadata size
// is known from the peer's extension handshake.
package infodownloader

import (
	"fmt"

	"github.com/ccBitTorrent/ccbt-sub002/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub002/internal/peerprotocol"
)

const blockSize = 16 * 1024

// InfoDownloader downloads all metadata pieces of the info dict from one peer.
type InfoDownloader struct {
	Peer  *peer.Peer
	Bytes []byte

	blocks         []block
	requested      map[uint32]struct{}
	nextBlockIndex uint32
}

type block struct {
	size uint32
}

// New returns an InfoDownloader sized from pe's extension handshake.
func New(pe *peer.Peer) *InfoDownloader {
	d := &InfoDownloader{
		Peer:      pe,
		Bytes:     make([]byte, pe.ExtensionHandshake.MetadataSize),
		requested: make(map[uint32]struct{}),
	}
	d.blocks = d.createBlocks()
	return d
}

// GotBlock stores a received metadata piece, rejecting unrequested
// indices or pieces of the wrong size.
func (d *InfoDownloader) GotBlock(index uint32, data []byte) error {
	if _, ok := d.requested[index]; !ok {
		return fmt.Errorf("infodownloader: unrequested metadata piece %d", index)
	}
	if int(index) >= len(d.blocks) {
		return fmt.Errorf("infodownloader: metadata piece index %d out of range", index)
	}
	b := &d.blocks[index]
	if uint32(len(data)) != b.size {
		return fmt.Errorf("infodownloader: metadata piece %d has wrong size %d", index, len(data))
	}
	delete(d.requested, index)
	begin := index * blockSize
	end := begin + b.size
	copy(d.Bytes[begin:end], data)
	return nil
}

func (d *InfoDownloader) createBlocks() []block {
	numBlocks := d.Peer.ExtensionHandshake.MetadataSize / blockSize
	mod := d.Peer.ExtensionHandshake.MetadataSize % blockSize
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]block, numBlocks)
	for i := range blocks {
		blocks[i] = block{size: blockSize}
	}
	if mod != 0 && len(blocks) > 0 {
		blocks[len(blocks)-1].size = uint32(mod)
	}
	return blocks
}

// RequestBlocks tops up the outstanding request count up to queueLength.
func (d *InfoDownloader) RequestBlocks(queueLength int) {
	for ; d.nextBlockIndex < uint32(len(d.blocks)) && len(d.requested) < queueLength; d.nextBlockIndex++ {
		m := peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.MetadataRequest,
			Piece: int64(d.nextBlockIndex),
		}
		d.Peer.SendExtensionMetadata(m, nil)
		d.requested[d.nextBlockIndex] = struct{}{}
	}
}

// Done reports whether every metadata piece has arrived.
func (d *InfoDownloader) Done() bool {
	return d.nextBlockIndex == uint32(len(d.blocks)) && len(d.requested) == 0
}

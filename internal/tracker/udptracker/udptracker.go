// Package udptracker implements the BEP 15 UDP tracker protocol: a
// connect/announce/scrape exchange over a fixed binary layout with
// echoed transaction IDs, used as a lower-overhead alternative to
// httptracker (spec.md §4.6).
package udptracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	protocolID uint64 = 0x41727101980

	connectionIDTTL = 2 * time.Minute

	maxRetries   = 8
	initialRetry = 15 * time.Second
)

// Tracker announces over the BEP 15 UDP protocol.
type Tracker struct {
	rawURL string
	addr   string

	mu           sync.Mutex
	connectionID uint64
	connectedAt  time.Time
}

// New returns a Tracker for a "udp://host:port/announce" URL.
func New(rawURL string) (*Tracker, error) {
	host, err := hostPort(rawURL)
	if err != nil {
		return nil, err
	}
	return &Tracker{rawURL: rawURL, addr: host}, nil
}

// URL implements tracker.Tracker.
func (t *Tracker) URL() string { return t.rawURL }

func hostPort(rawURL string) (string, error) {
	u, err := parseUDPURL(rawURL)
	if err != nil {
		return "", err
	}
	return u, nil
}

// Announce implements tracker.Tracker.
func (t *Tracker) Announce(ctx context.Context, to tracker.Torrent, ev tracker.Event, numwant int) (*tracker.AnnounceResponse, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connectionIDFor(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := randomTransactionID()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], to.InfoHash[:])
	copy(req[36:56], to.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(to.BytesDownloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(to.BytesLeft))
	binary.BigEndian.PutUint64(req[72:80], uint64(to.BytesUploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEvent(ev))
	binary.BigEndian.PutUint32(req[84:88], 0) // IP: default
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32())
	if numwant <= 0 {
		numwant = -1
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(numwant)))
	binary.BigEndian.PutUint16(req[96:98], uint16(to.Port))

	resp, err := t.roundTrip(ctx, conn, req, txID, 20)
	if err != nil {
		return nil, err
	}
	if len(resp) < 20 {
		return nil, errors.New("udptracker: announce response too short")
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return nil, &tracker.Error{Msg: string(resp[8:]), Recoverable: false}
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("udptracker: unexpected action %d in announce response", action)
	}
	out := &tracker.AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int32(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int32(binary.BigEndian.Uint32(resp[16:20])),
	}
	for i := 20; i+6 <= len(resp); i += 6 {
		ip := net.IPv4(resp[i], resp[i+1], resp[i+2], resp[i+3])
		port := int(binary.BigEndian.Uint16(resp[i+4 : i+6]))
		out.Peers = append(out.Peers, &net.TCPAddr{IP: ip, Port: port})
	}
	return out, nil
}

// Scrape implements tracker.Tracker.
func (t *Tracker) Scrape(ctx context.Context, infoHashes [][20]byte) (*tracker.ScrapeResponse, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connectionIDFor(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := randomTransactionID()
	req := make([]byte, 16+20*len(infoHashes))
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionScrape)
	binary.BigEndian.PutUint32(req[12:16], txID)
	for i, ih := range infoHashes {
		copy(req[16+i*20:16+(i+1)*20], ih[:])
	}

	resp, err := t.roundTrip(ctx, conn, req, txID, 8)
	if err != nil {
		return nil, err
	}
	if len(resp) < 8 {
		return nil, errors.New("udptracker: scrape response too short")
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return nil, &tracker.Error{Msg: string(resp[8:]), Recoverable: false}
	}
	if action != actionScrape {
		return nil, fmt.Errorf("udptracker: unexpected action %d in scrape response", action)
	}
	out := &tracker.ScrapeResponse{}
	if len(resp) >= 20 {
		out.Complete = int32(binary.BigEndian.Uint32(resp[8:12]))
		out.Downloaded = int32(binary.BigEndian.Uint32(resp[12:16]))
		out.Incomplete = int32(binary.BigEndian.Uint32(resp[16:20]))
	}
	return out, nil
}

func (t *Tracker) dial(ctx context.Context) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	return conn, nil
}

// connectionIDFor returns a cached connection id if it is still within its
// BEP 15 two-minute validity window, otherwise performs a fresh connect.
func (t *Tracker) connectionIDFor(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	t.mu.Lock()
	if t.connectionID != 0 && time.Since(t.connectedAt) < connectionIDTTL {
		id := t.connectionID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	txID := randomTransactionID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := t.roundTrip(ctx, conn, req, txID, 16)
	if err != nil {
		return 0, err
	}
	if len(resp) < 16 {
		return 0, errors.New("udptracker: connect response too short")
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action != actionConnect {
		return 0, fmt.Errorf("udptracker: unexpected action %d in connect response", action)
	}
	id := binary.BigEndian.Uint64(resp[8:16])

	t.mu.Lock()
	t.connectionID = id
	t.connectedAt = time.Now()
	t.mu.Unlock()
	return id, nil
}

// roundTrip sends req and waits for a matching-transaction-ID reply,
// retrying with exponential backoff capped at maxRetries attempts per
// the BEP 15 recommended schedule (15s, 30s, 60s, ... up to 1920s on the
// eighth attempt).
func (t *Tracker) roundTrip(ctx context.Context, conn *net.UDPConn, req []byte, txID uint32, minLen int) ([]byte, error) {
	wait := initialRetry
	buf := make([]byte, 2048)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.Write(req); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(wait)
		if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(deadline) {
			deadline = ctxDL
		}
		conn.SetReadDeadline(deadline)

		for {
			n, err := conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // retry with longer backoff
				}
				return nil, err
			}
			if n < minLen {
				continue
			}
			if binary.BigEndian.Uint32(buf[4:8]) != txID {
				continue // stale reply from an earlier attempt, ignore
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		wait *= 2
	}
	return nil, &tracker.Error{Msg: "udptracker: no response after retries", Recoverable: true}
}

func udpEvent(ev tracker.Event) uint32 {
	switch ev {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}

func randomTransactionID() uint32 {
	return rand.Uint32()
}

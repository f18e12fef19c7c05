// Package httptracker implements the BEP 3 HTTP tracker protocol and the
// BEP 48 scrape convention layered on the same base URL.
package httptracker

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub002/internal/tracker"
)

// Tracker announces over plain HTTP(S) GET, per spec.md §4.6.
type Tracker struct {
	rawURL    string
	client    *http.Client
	userAgent string
}

// New returns a Tracker for rawURL, bounding every request by timeout.
func New(rawURL string, timeout time.Duration, userAgent string) (*Tracker, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, err
	}
	return &Tracker{
		rawURL:    rawURL,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}, nil
}

// URL implements tracker.Tracker.
func (t *Tracker) URL() string { return t.rawURL }

// Announce implements tracker.Tracker.
func (t *Tracker) Announce(ctx context.Context, to tracker.Torrent, ev tracker.Event, numwant int) (*tracker.AnnounceResponse, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("info_hash", string(to.InfoHash[:]))
	q.Set("peer_id", string(to.PeerID[:]))
	q.Set("port", strconv.Itoa(to.Port))
	q.Set("uploaded", strconv.FormatInt(to.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(to.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(to.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(numwant))
	if s := ev.String(); s != "" {
		q.Set("event", s)
	}
	u.RawQuery = encodeRawBytesQuery(q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &tracker.Error{Msg: err.Error(), Recoverable: true}
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, &tracker.Error{Msg: err.Error(), Recoverable: true}
	}
	return parseAnnounceResponse(body)
}

// Scrape implements tracker.Tracker using the BEP 48 "/scrape" URL
// derived from the announce URL by replacing the final "/announce"
// path segment.
func (t *Tracker) Scrape(ctx context.Context, infoHashes [][20]byte) (*tracker.ScrapeResponse, error) {
	scrapeURL, err := scrapeURLFor(t.rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(scrapeURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for _, ih := range infoHashes {
		q.Add("info_hash", string(ih[:]))
	}
	u.RawQuery = encodeRawBytesQuery(q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &tracker.Error{Msg: err.Error(), Recoverable: true}
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, &tracker.Error{Msg: err.Error(), Recoverable: true}
	}
	return parseScrapeResponse(body)
}

var errNotAnnounceURL = errors.New("httptracker: URL does not end in /announce, cannot derive /scrape")

func scrapeURLFor(announceURL string) (string, error) {
	const suffix = "/announce"
	i := strings.LastIndex(announceURL, suffix)
	if i < 0 {
		return "", errNotAnnounceURL
	}
	return announceURL[:i] + "/scrape" + announceURL[i+len(suffix):], nil
}

// encodeRawBytesQuery is url.Values.Encode. Its escaping percent-encodes
// every byte outside the unreserved set one byte at a time, so raw 20-byte
// info_hash/peer_id values reach the tracker byte-for-byte.
func encodeRawBytesQuery(q url.Values) string {
	return q.Encode()
}

func parseAnnounceResponse(body []byte) (*tracker.AnnounceResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("httptracker: invalid announce response: %w", err)
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, errors.New("httptracker: announce response is not a dictionary")
	}
	if fr, ok := d.Get("failure reason"); ok {
		if b, ok := fr.([]byte); ok {
			return nil, &tracker.Error{Msg: string(b), Recoverable: false}
		}
	}
	resp := &tracker.AnnounceResponse{}
	if iv, ok := d.Get("interval"); ok {
		if n, ok := iv.(int64); ok {
			resp.Interval = time.Duration(n) * time.Second
		}
	}
	if wm, ok := d.Get("warning message"); ok {
		if b, ok := wm.([]byte); ok {
			resp.WarningMsg = string(b)
		}
	}
	if c, ok := d.Get("complete"); ok {
		if n, ok := c.(int64); ok {
			resp.Seeders = int32(n)
		}
	}
	if ic, ok := d.Get("incomplete"); ok {
		if n, ok := ic.(int64); ok {
			resp.Leechers = int32(n)
		}
	}
	if pv, ok := d.Get("peers"); ok {
		switch p := pv.(type) {
		case []byte:
			resp.Peers = append(resp.Peers, decodeCompactPeers4(p)...)
		case []interface{}:
			resp.Peers = append(resp.Peers, decodeDictPeers(p)...)
		}
	}
	if pv6, ok := d.Get("peers6"); ok {
		if b, ok := pv6.([]byte); ok {
			resp.Peers = append(resp.Peers, decodeCompactPeers6(b)...)
		}
	}
	return resp, nil
}

func parseScrapeResponse(body []byte) (*tracker.ScrapeResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("httptracker: invalid scrape response: %w", err)
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, errors.New("httptracker: scrape response is not a dictionary")
	}
	files, ok := d.Get("files")
	if !ok {
		return &tracker.ScrapeResponse{}, nil
	}
	filesDict, ok := files.(*bencode.Dict)
	if !ok {
		return &tracker.ScrapeResponse{}, nil
	}
	resp := &tracker.ScrapeResponse{}
	for _, k := range filesDict.Keys() {
		v, _ := filesDict.Get(k)
		fd, ok := v.(*bencode.Dict)
		if !ok {
			continue
		}
		if c, ok := fd.Get("complete"); ok {
			if n, ok := c.(int64); ok {
				resp.Complete += int32(n)
			}
		}
		if ic, ok := fd.Get("incomplete"); ok {
			if n, ok := ic.(int64); ok {
				resp.Incomplete += int32(n)
			}
		}
		if dl, ok := fd.Get("downloaded"); ok {
			if n, ok := dl.(int64); ok {
				resp.Downloaded += int32(n)
			}
		}
		break // single-torrent scrape request; only one entry expected
	}
	return resp, nil
}

func decodeCompactPeers4(b []byte) []*net.TCPAddr {
	var out []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out
}

func decodeCompactPeers6(b []byte) []*net.TCPAddr {
	var out []*net.TCPAddr
	for i := 0; i+18 <= len(b); i += 18 {
		ip := make(net.IP, 16)
		copy(ip, b[i:i+16])
		port := int(b[i+16])<<8 | int(b[i+17])
		out = append(out, &net.TCPAddr{IP: ip, Port: port})
	}
	return out
}

func decodeDictPeers(list []interface{}) []*net.TCPAddr {
	var out []*net.TCPAddr
	for _, pv := range list {
		pd, ok := pv.(*bencode.Dict)
		if !ok {
			continue
		}
		ipV, _ := pd.Get("ip")
		portV, _ := pd.Get("port")
		ipB, ok1 := ipV.([]byte)
		port, ok2 := portV.(int64)
		if !ok1 || !ok2 {
			continue
		}
		ip := net.ParseIP(string(ipB))
		if ip == nil {
			continue
		}
		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out
}

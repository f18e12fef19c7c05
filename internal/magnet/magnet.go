// Package magnet parses "magnet:?xt=urn:btih:..." URIs (BEP 9, BEP 53).
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// IndexRange is an inclusive [Start, End] file-index range, as used by the
// BEP 53 "so=" (select-only) and "x.pe=" (priority) parameters.
type IndexRange struct {
	Start, End int
}

// Magnet is a parsed magnet URI. It carries only what's known without
// fetching metadata: the PartialTorrent of spec.md §4.2.
type Magnet struct {
	InfoHash    [20]byte
	Name        string
	Trackers    []string
	PeerHints   []string     // x.pe= endpoints, "host:port"
	Select      []IndexRange // so= selected file indices
	Priority    []IndexRange // priority file indices; New never fills it (x.pe= values go to PeerHints)
}

var errUnsupportedScheme = errors.New("magnet: URI scheme is not \"magnet\"")
var errMissingXT = errors.New("magnet: missing xt=urn:btih: parameter")
var errBadInfoHash = errors.New("magnet: info hash must be 40 hex or 32 base32 characters")

// New parses a magnet URI.
func New(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errUnsupportedScheme
	}
	q := u.Query()

	m := &Magnet{}
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		enc := xt[len(prefix):]
		ih, err := decodeInfoHash(enc)
		if err != nil {
			return nil, err
		}
		m.InfoHash = ih
		found = true
		break
	}
	if !found {
		return nil, errMissingXT
	}

	m.Name = q.Get("dn")
	m.Trackers = q["tr"]
	m.PeerHints = q["x.pe"]
	if so := q.Get("so"); so != "" {
		m.Select, err = parseRanges(so)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeInfoHash(enc string) ([20]byte, error) {
	var ih [20]byte
	switch len(enc) {
	case 40:
		b, err := hex.DecodeString(enc)
		if err != nil || len(b) != 20 {
			return ih, errBadInfoHash
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil || len(b) != 20 {
			return ih, errBadInfoHash
		}
		copy(ih[:], b)
	default:
		return ih, errBadInfoHash
	}
	return ih, nil
}

// parseRanges parses a comma-separated list of index or index-range tokens,
// e.g. "0,2,4-9".
func parseRanges(s string) ([]IndexRange, error) {
	var ranges []IndexRange
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if i := strings.IndexByte(tok, '-'); i >= 0 {
			startS, endS := tok[:i], tok[i+1:]
			start, err := strconv.Atoi(startS)
			if err != nil {
				return nil, errors.New("magnet: invalid range token " + tok)
			}
			end, err := strconv.Atoi(endS)
			if err != nil {
				return nil, errors.New("magnet: invalid range token " + tok)
			}
			ranges = append(ranges, IndexRange{Start: start, End: end})
		} else {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, errors.New("magnet: invalid index token " + tok)
			}
			ranges = append(ranges, IndexRange{Start: n, End: n})
		}
	}
	return ranges, nil
}

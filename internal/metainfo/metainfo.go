package metainfo

import (
	"io"
	"io/ioutil"

	"github.com/ccBitTorrent/ccbt-sub002/internal/bencode"
)

// MetaInfo is the parsed top-level dictionary of a ".torrent" file
// (spec.md §6 "Torrent file format").
type MetaInfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	URLList      []string // BEP 19 web seeds
	CreationDate int64
	Comment      string
	CreatedBy    string
}

// New parses a ".torrent" file from r.
func New(r io.Reader) (*MetaInfo, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse parses a ".torrent" file already read into memory.
func Parse(b []byte) (*MetaInfo, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, &InvalidTorrent{Reason: err.Error()}
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, &InvalidTorrent{Reason: "top-level value is not a dictionary"}
	}

	rawInfo, found, err := bencode.FindTopLevelRaw(b, "info")
	if err != nil {
		return nil, &InvalidTorrent{Reason: err.Error()}
	}
	if !found {
		return nil, errNoInfoDict
	}
	info, err := NewInfo(rawInfo)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{Info: info}
	if av, ok := d.Get("announce"); ok {
		if ab, ok := av.([]byte); ok {
			mi.Announce = string(ab)
		}
	}
	if al, ok := d.Get("announce-list"); ok {
		if tiers, ok := al.([]interface{}); ok {
			for _, tierV := range tiers {
				tierList, ok := tierV.([]interface{})
				if !ok {
					continue
				}
				var tier []string
				for _, urlV := range tierList {
					if ub, ok := urlV.([]byte); ok {
						tier = append(tier, string(ub))
					}
				}
				if len(tier) > 0 {
					mi.AnnounceList = append(mi.AnnounceList, tier)
				}
			}
		}
	}
	if ul, ok := d.Get("url-list"); ok {
		switch t := ul.(type) {
		case []byte:
			mi.URLList = []string{string(t)}
		case []interface{}:
			for _, v := range t {
				if b, ok := v.([]byte); ok {
					mi.URLList = append(mi.URLList, string(b))
				}
			}
		}
	}
	if cd, ok := d.Get("creation date"); ok {
		if n, ok := cd.(int64); ok {
			mi.CreationDate = n
		}
	}
	if c, ok := d.Get("comment"); ok {
		if b, ok := c.([]byte); ok {
			mi.Comment = string(b)
		}
	}
	if cb, ok := d.Get("created by"); ok {
		if b, ok := cb.([]byte); ok {
			mi.CreatedBy = string(b)
		}
	}
	return mi, nil
}

// GetTrackers flattens AnnounceList (falling back to the single Announce
// URL) into one ordered list, tier by tier; tier boundaries are not kept,
// so callers that need tiers explicitly should use AnnounceList.
func (m *MetaInfo) GetTrackers() []string {
	if len(m.AnnounceList) == 0 {
		if m.Announce == "" {
			return nil
		}
		return []string{m.Announce}
	}
	var out []string
	for _, tier := range m.AnnounceList {
		out = append(out, tier...)
	}
	return out
}

package domain

import (
	"fmt"
	"strings"
)

type SourceKind string

const (
	SourceMagnet  SourceKind = "magnet"
	SourceURL     SourceKind = "url"
	SourceTorrent SourceKind = "torrent"
)

// Source is a parsed torrent locator: a magnet URI, an http(s) link to a
// .torrent file, or a local .torrent path.
type Source struct {
	Kind SourceKind `json:"kind"`
	URI  string     `json:"uri"`
}

func ParseSource(raw string) (Source, error) {
	uri := strings.TrimSpace(raw)
	if uri == "" {
		return Source{}, fmt.Errorf("%w: empty source", ErrSourceUnreachable)
	}
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		if !strings.Contains(lower, "xt=urn:btih:") {
			return Source{}, fmt.Errorf("%w: magnet without info hash", ErrSourceUnreachable)
		}
		return Source{Kind: SourceMagnet, URI: uri}, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return Source{Kind: SourceURL, URI: uri}, nil
	case strings.HasSuffix(lower, ".torrent"):
		return Source{Kind: SourceTorrent, URI: uri}, nil
	default:
		return Source{}, fmt.Errorf("%w: unsupported source %q", ErrSourceUnreachable, uri)
	}
}

func (s Source) String() string {
	return s.URI
}

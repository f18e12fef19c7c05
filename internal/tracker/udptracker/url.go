package udptracker

import (
	"errors"
	"net/url"
)

var errNotUDPURL = errors.New("udptracker: URL scheme is not udp")

// parseUDPURL extracts the host:port from a "udp://host:port[/announce]" URL.
func parseUDPURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "udp" {
		return "", errNotUDPURL
	}
	if u.Host == "" {
		return "", errors.New("udptracker: URL has no host")
	}
	return u.Host, nil
}

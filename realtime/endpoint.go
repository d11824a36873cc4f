package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultPath       = "/ws"
	DefaultStreamPath = "/events"
)

// EndpointFromBase derives the channel endpoint from the backend's HTTP base
// address: http becomes ws, https becomes wss, and path is appended to any
// existing path prefix.
func EndpointFromBase(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("realtime: parse base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: base url %q has no host", base)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}

	if path == "" {
		path = DefaultPath
	}
	return joinPath(u, path), nil
}

// StreamURLFromBase derives the server-sent events endpoint, which keeps the
// base's http or https scheme.
func StreamURLFromBase(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("realtime: parse base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: base url %q has no host", base)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}

	if path == "" {
		path = DefaultStreamPath
	}
	return joinPath(u, path), nil
}

func joinPath(u *url.URL, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	return u.String()
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("realtime: empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("realtime: parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("realtime: endpoint %q must be absolute", endpoint)
	}
	return nil
}

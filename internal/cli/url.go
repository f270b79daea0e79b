package cli

import (
	"fmt"
	"net/url"
	"strings"
)

// endpoint resolves path against the server base URL. Websocket paths get
// the ws or wss scheme matching the base.
func endpoint(base, path string, websocket bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", base)
	}
	if websocket {
		switch u.Scheme {
		case "https", "wss":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	} else if u.Scheme == "" {
		u.Scheme = "http"
	}
	u.Path += path
	return u.String(), nil
}

package rtc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/isqad/livelook-media/internal/core"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

// ICEServerURLs normalizes servers into scheme:host:port, or
// scheme:username:credential@host:port when credentials are set
func ICEServerURLs(servers []ICEServer) ([]string, error) {
	var urls []string

	for _, server := range servers {
		for _, raw := range server.URLs {
			url, err := normalizeICEURL(raw, server.Username, server.Credential)
			if err != nil {
				return nil, err
			}
			urls = append(urls, url)
		}
	}

	return urls, nil
}

func normalizeICEURL(raw, username, credential string) (string, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: ice server url %q must be scheme:host:port", core.ErrConfiguration, raw)
	}

	scheme, host, port := parts[0], parts[1], parts[2]
	if i := strings.IndexByte(port, '?'); i >= 0 {
		port = port[:i]
	}

	if scheme == "" || host == "" || port == "" {
		return "", fmt.Errorf("%w: ice server url %q must be scheme:host:port", core.ErrConfiguration, raw)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("%w: ice server url %q has invalid port", core.ErrConfiguration, raw)
	}

	if username != "" && credential != "" {
		return fmt.Sprintf("%s:%s:%s@%s:%s", scheme, username, credential, host, port), nil
	}

	return fmt.Sprintf("%s:%s:%s", scheme, host, port), nil
}

package pionengine

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-media/internal/core"
)

// parseICEServers turns scheme:host:port and scheme:user:pass@host:port
// strings back into pion servers
func parseICEServers(urls []string) ([]webrtc.ICEServer, error) {
	servers := make([]webrtc.ICEServer, 0, len(urls))

	for _, raw := range urls {
		at := strings.LastIndexByte(raw, '@')
		if at < 0 {
			servers = append(servers, webrtc.ICEServer{URLs: []string{raw}})
			continue
		}

		credentials := strings.SplitN(raw[:at], ":", 3)
		if len(credentials) != 3 {
			return nil, fmt.Errorf("%w: malformed ice server %q", core.ErrConfiguration, raw)
		}

		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{credentials[0] + ":" + raw[at+1:]},
			Username:       credentials[1],
			Credential:     credentials[2],
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return servers, nil
}

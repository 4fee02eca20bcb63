package realtime

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader returns a websocket upgrader accepting same-host origins, loopback
// development origins and any origin listed in allowed.
func NewUpgrader(allowed ...string) websocket.Upgrader {
	extra := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if host := hostWithoutPort(origin); host != "" {
			extra[strings.ToLower(host)] = struct{}{}
		}
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originHost := hostWithoutPort(origin)
			if originHost == hostWithoutPort(r.Host) || isLoopback(originHost) {
				return true
			}
			_, ok := extra[strings.ToLower(originHost)]
			return ok
		},
	}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.Contains(host, "://") {
		if parsed, err := url.Parse(host); err == nil {
			return hostWithoutPort(parsed.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

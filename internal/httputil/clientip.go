package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address of the peer that sent r. Forwarding headers
// are only honoured when trustProxy is set, i.e. the relay sits behind a
// reverse proxy that overwrites them; otherwise any client could spoof them.
// X-Forwarded-For wins over X-Real-IP and the first hop in the chain is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

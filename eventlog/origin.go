package eventlog

import (
	"net"
	"net/http"
	"strings"
)

// OriginFromRequest extracts the caller address and user agent. The first
// X-Forwarded-For hop wins, then X-Real-IP, then the socket peer.
func OriginFromRequest(r *http.Request) Origin {
	if r == nil {
		return Origin{}
	}
	return Origin{
		IPAddress: clientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

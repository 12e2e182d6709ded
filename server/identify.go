package server

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/toolink/ratewindow/meta"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// TrustedProxies lists the networks whose forwarding headers are believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses CIDR prefixes. A bare address is a single-host prefix.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
			prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

// Contains reports whether addr belongs to one of the trusted networks.
func (t TrustedProxies) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Identify attaches request metadata (client address, user id, request id)
// to the request context. userHeader names a header set by a trusted
// authenticating proxy; empty disables user identification. Forwarding
// headers are only read when the peer is one of the trusted proxies.
func Identify(userHeader string, trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, md := meta.Ensure(r.Context())

			if ip := clientIP(r, trusted); ip != "" {
				md.Set(meta.KeyClientIP, ip)
			}
			if userHeader != "" {
				if user := strings.TrimSpace(r.Header.Get(userHeader)); user != "" {
					md.Set(meta.KeyUserID, user)
				}
			}

			requestID := middleware.GetReqID(ctx)
			if requestID == "" {
				requestID = r.Header.Get(RequestIDHeader)
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP returns the peer address of r. When the peer is a trusted proxy
// it returns instead the nearest untrusted hop of X-Forwarded-For (read right
// to left), then X-Real-IP. Values that do not parse as an IP are ignored;
// "" means no usable address.
func clientIP(r *http.Request, trusted TrustedProxies) string {
	peer, ok := parseIP(r.RemoteAddr)
	if !ok {
		return ""
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	if fwd := r.Header.Values("X-Forwarded-For"); len(fwd) > 0 {
		hops := strings.Split(strings.Join(fwd, ","), ",")
		var leftmost netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			hop, ok := parseIP(hops[i])
			if !ok {
				break
			}
			if !trusted.Contains(hop) {
				return hop.String()
			}
			leftmost = hop
		}
		if leftmost.IsValid() {
			return leftmost.String()
		}
	}
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}
	return peer.String()
}

// parseIP accepts a bare address or host:port and rejects unspecified addresses.
func parseIP(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || addr.IsUnspecified() {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

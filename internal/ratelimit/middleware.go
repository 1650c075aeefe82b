package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// MiddlewareConfig controls the HTTP admission layer.
type MiddlewareConfig struct {
	// Enabled is the kill switch. When false every request passes
	// straight through with no counting.
	Enabled bool

	// ExcludedPaths bypass the limiter entirely, typically health and
	// metrics endpoints hit by probes.
	ExcludedPaths []string

	// TrustedProxies lists CIDRs or bare IPs whose forwarded headers are
	// believed. X-Forwarded-For and the authenticated user header are
	// only honored when the direct peer is on this list.
	TrustedProxies []string
}

// UserHeader carries the authenticated user id set by the edge proxy.
// Its presence moves the request to the user tier's higher ceiling.
const UserHeader = "X-User-ID"

// Middleware applies the limiter in front of an HTTP handler and
// translates decisions into headers and 429 responses.
type Middleware struct {
	limiter  *Limiter
	enabled  bool
	excluded map[string]struct{}
	proxies  []*net.IPNet
	logger   *slog.Logger
}

// NewMiddleware builds the admission middleware around a limiter.
func NewMiddleware(l *Limiter, cfg MiddlewareConfig, logger *slog.Logger) *Middleware {
	excluded := make(map[string]struct{}, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = struct{}{}
	}
	return &Middleware{
		limiter:  l,
		enabled:  cfg.Enabled,
		excluded: excluded,
		proxies:  parseProxies(cfg.TrustedProxies, logger),
		logger:   logger.With("component", "ratelimit"),
	}
}

// Handler wraps next with admission control.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := m.excluded[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		decision := m.limiter.Allow(r.Context(), m.originFor(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			if err := json.NewEncoder(w).Encode(map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			}); err != nil {
				m.logger.Warn("failed to write rate limit response", "error", err)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originFor picks the tier and key for a request. The user tier and
// forwarded client IPs both require the direct peer to be a trusted
// proxy; otherwise a client could claim an identity to shard or raise
// its own ceiling.
func (m *Middleware) originFor(r *http.Request) Origin {
	remoteIP := directIP(r)
	if len(m.proxies) > 0 && isTrustedProxy(remoteIP, m.proxies) {
		if userID := r.Header.Get(UserHeader); userID != "" {
			return Origin{Tier: TierUser, Key: userID}
		}
		return Origin{Tier: TierIP, Key: forwardedIP(r, remoteIP, m.proxies)}
	}
	return Origin{Tier: TierIP, Key: remoteIP}
}

// directIP is the IP of the immediate peer.
func directIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// forwardedIP walks X-Forwarded-For from the right and returns the first
// hop that is not a trusted proxy, falling back to X-Real-IP and then
// the direct peer.
func forwardedIP(r *http.Request, remoteIP string, proxies []*net.IPNet) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(hops[i])
			if candidate != "" && !isTrustedProxy(candidate, proxies) {
				return candidate
			}
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return remoteIP
}

func isTrustedProxy(ipStr string, proxies []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range proxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// parseProxies accepts CIDRs and bare IPs. Entries that parse as neither
// are logged and skipped rather than silently widening trust.
func parseProxies(entries []string, logger *slog.Logger) []*net.IPNet {
	var proxies []*net.IPNet
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn("ignoring malformed trusted proxy", "entry", entry, "error", err)
				continue
			}
			proxies = append(proxies, cidr)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			logger.Warn("ignoring malformed trusted proxy", "entry", entry)
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		proxies = append(proxies, &net.IPNet{IP: ip, Mask: mask})
	}
	return proxies
}

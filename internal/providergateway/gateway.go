// Package providergateway implements the reverse proxy from spec.md
// §4.9: sandboxed agents reach model providers through a single bearer-
// authenticated endpoint rather than holding provider API keys
// themselves. Per-sandbox rate limiting follows the teacher's
// internal/relay/bandwidth.go RateLimiter shape (per-key rate.Limiter
// map, not per-IP); header forwarding/stripping and upstream-URL
// rewriting are ported from original_source/hypervisor/src/
// provider_gateway.rs's forward_provider_request.
package providergateway

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/choiros/sandbox/internal/logger"
)

// Config is the gateway's policy: the shared bearer token, the
// upstream-base-url allowlist, the host→credential-env mapping, and the
// per-sandbox rate limit (0 disables limiting).
type Config struct {
	Token              string
	AllowedUpstreams   []string
	ProviderKeyEnv     map[string]string // substring of upstream host -> env var name
	RateLimitPerMinute int
}

// EnvLookup abstracts os.LookupEnv for testability.
type EnvLookup func(key string) (string, bool)

// Gateway proxies POST /provider/v1/{provider}/{rest...} requests to an
// allowlisted upstream, injecting the provider's credential and
// stripping caller-supplied hop-by-hop and auth headers.
type Gateway struct {
	cfg    Config
	client *http.Client
	lookup EnvLookup

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Gateway. lookup defaults to os.LookupEnv when nil.
func New(cfg Config, client *http.Client, lookup EnvLookup) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Gateway{
		cfg:      cfg,
		client:   client,
		lookup:   lookup,
		limiters: make(map[string]*rate.Limiter),
	}
}

var hopByHopHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Authorization":     true,
	"Connection":        true,
	"Proxy-Connection":  true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

const upstreamBaseURLHeader = "X-Choiros-Upstream-Base-Url"

// ServeHTTP implements spec.md §4.9's six-step request flow.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Token == "" {
		http.Error(w, "provider gateway not configured", http.StatusServiceUnavailable)
		return
	}

	if !bearerMatches(r.Header.Get("Authorization"), g.cfg.Token) {
		http.Error(w, "invalid provider gateway token", http.StatusUnauthorized)
		return
	}

	sandboxID := strings.TrimSpace(r.Header.Get("X-Choiros-Sandbox-Id"))
	if sandboxID == "" {
		http.Error(w, "missing sandbox rate-limit key", http.StatusBadRequest)
		return
	}
	userID := headerOrDefault(r, "X-Choiros-User-Id", "unknown")
	model := headerOrDefault(r, "X-Choiros-Model", "unknown")

	if !g.allow(sandboxID) {
		http.Error(w, "provider gateway rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	upstreamBase := strings.TrimSpace(r.Header.Get(upstreamBaseURLHeader))
	if upstreamBase == "" {
		http.Error(w, "missing upstream base url", http.StatusBadRequest)
		return
	}
	if !g.upstreamAllowed(upstreamBase) {
		logger.Component("providergateway").Warn("blocked upstream outside allowlist",
			"sandbox_id", sandboxID, "upstream_base_url", upstreamBase)
		http.Error(w, "upstream not allowed by provider gateway policy", http.StatusForbidden)
		return
	}

	provider := providerFromPath(r.URL.Path)
	apiKey, status, msg := g.providerKeyForUpstream(upstreamBase)
	if status != 0 {
		http.Error(w, msg, status)
		return
	}

	upstreamURL := rewriteUpstreamURL(upstreamBase, provider, r.URL.RequestURI())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "invalid upstream request", http.StatusBadGateway)
		return
	}
	copyRequestHeaders(upstreamReq.Header, r.Header)
	upstreamReq.Header.Set("Authorization", "Bearer "+apiKey)

	started := time.Now()
	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		logger.Component("providergateway").Error("upstream request failed",
			"provider", provider, "upstream_url", upstreamURL, "error", err)
		http.Error(w, "provider upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	logger.Component("providergateway").Info("proxied request",
		"sandbox_id", sandboxID, "user_id", userID, "provider", provider,
		"model", model, "status", resp.StatusCode, "latency_ms", time.Since(started).Milliseconds())
}

func (g *Gateway) allow(sandboxID string) bool {
	if g.cfg.RateLimitPerMinute <= 0 {
		return true
	}
	return g.limiter(sandboxID).Allow()
}

func (g *Gateway) limiter(sandboxID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[sandboxID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.cfg.RateLimitPerMinute)/60.0), g.cfg.RateLimitPerMinute)
		g.limiters[sandboxID] = lim
	}
	return lim
}

func (g *Gateway) upstreamAllowed(upstreamBase string) bool {
	for _, allowed := range g.cfg.AllowedUpstreams {
		if allowed == upstreamBase {
			return true
		}
	}
	return false
}

// providerKeyForUpstream maps the upstream host to a credential env var
// via substring match (spec.md §4.9 "api.openai.com" -> "OPENAI_API_KEY").
func (g *Gateway) providerKeyForUpstream(upstreamBase string) (key string, status int, msg string) {
	var envName string
	for substr, env := range g.cfg.ProviderKeyEnv {
		if strings.Contains(upstreamBase, substr) {
			envName = env
			break
		}
	}
	if envName == "" {
		return "", http.StatusForbidden, "unsupported provider upstream"
	}

	lookup := g.lookup
	if lookup == nil {
		lookup = defaultLookup
	}
	val, ok := lookup(envName)
	if !ok || val == "" {
		return "", http.StatusServiceUnavailable, "provider api key missing on hypervisor"
	}
	return val, 0, ""
}

func bearerMatches(header, expected string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func headerOrDefault(r *http.Request, name, def string) string {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return def
	}
	return v
}

func providerFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/provider/v1/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// rewriteUpstreamURL strips the "/provider/v1/{provider}" prefix from
// the incoming request URI and concatenates the remainder onto the
// upstream base.
func rewriteUpstreamURL(upstreamBase, provider, requestURI string) string {
	prefix := "/provider/v1/" + provider
	rest := strings.TrimPrefix(requestURI, prefix)
	if rest == "" {
		rest = "/"
	}
	return strings.TrimSuffix(upstreamBase, "/") + rest
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] || strings.EqualFold(name, upstreamBaseURLHeader) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func defaultLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

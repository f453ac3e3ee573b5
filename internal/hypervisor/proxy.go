// Package hypervisor implements the reverse proxy from spec.md §4.10:
// every request into a sandbox's exposed HTTP/WS surface is forwarded
// to 127.0.0.1:{port} inside that sandbox's network namespace. HTTP
// forwarding is ported to stdlib httputil.ReverseProxy from
// original_source/hypervisor/src/proxy/mod.rs's proxy_http (manual
// hop-by-hop header stripping, Host-header rewrite); WS forwarding uses
// github.com/coder/websocket the way the teacher's internal/ws package
// does, replacing proxy_ws's tokio-tungstenite bridge with a
// bidirectional copy loop over two *websocket.Conn.
package hypervisor

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/choiros/sandbox/internal/logger"
)

// PortResolver maps a sandbox ID to the loopback port its HTTP/WS
// surface listens on inside the sandbox's namespace.
type PortResolver interface {
	ResolvePort(ctx context.Context, sandboxID string) (port int, err error)
}

// Proxy forwards HTTP and WebSocket traffic for one or more sandboxes
// to their resolved loopback ports.
type Proxy struct {
	resolver PortResolver

	mu      sync.Mutex
	reverse map[int]*httputil.ReverseProxy
}

// New constructs a Proxy.
func New(resolver PortResolver) *Proxy {
	return &Proxy{resolver: resolver, reverse: make(map[int]*httputil.ReverseProxy)}
}

// ServeHTTP proxies a plain HTTP request for sandboxID, rewriting the
// URI to point at 127.0.0.1:port and stripping hop-by-hop headers.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, sandboxID string) {
	port, err := p.resolver.ResolvePort(r.Context(), sandboxID)
	if err != nil {
		logger.Component("hypervisor").Error("sandbox unreachable", "sandbox_id", sandboxID, "error", err)
		http.Error(w, "sandbox unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}

	rp := p.reverseProxyFor(port)
	rp.ServeHTTP(w, r)
}

func (p *Proxy) reverseProxyFor(port int) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rp, ok := p.reverse[port]; ok {
		return rp
	}

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		req.Host = target.Host
		stripHopByHop(req.Header)
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Component("hypervisor").Error("proxy request failed", "target", target.Host, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	p.reverse[port] = rp
	return rp
}

var hopByHop = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// ServeWS proxies a WebSocket upgrade for sandboxID at path, bridging
// the accepted client connection to a freshly dialed connection against
// the sandbox's loopback port.
func (p *Proxy) ServeWS(w http.ResponseWriter, r *http.Request, sandboxID, path string) {
	port, err := p.resolver.ResolvePort(r.Context(), sandboxID)
	if err != nil {
		http.Error(w, "sandbox unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}

	clientConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.CloseNow()

	targetURL := "ws://127.0.0.1:" + strconv.Itoa(port) + path
	serverConn, _, err := websocket.Dial(r.Context(), targetURL, nil)
	if err != nil {
		logger.Component("hypervisor").Error("ws connect to sandbox failed", "target_url", targetURL, "error", err)
		clientConn.Close(websocket.StatusInternalError, "sandbox unreachable")
		return
	}
	defer serverConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{}, 2)
	go bridge(ctx, clientConn, serverConn, done)
	go bridge(ctx, serverConn, clientConn, done)
	<-done
}

// bridge copies messages from src to dst until either side errors or
// closes, mirroring proxy_ws's two concurrent copy loops.
func bridge(ctx context.Context, src, dst *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

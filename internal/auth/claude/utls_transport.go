package claude

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"

	tls "github.com/refraction-networking/utls"
	"github.com/router-for-me/claudeauth/internal/config"
	"github.com/router-for-me/claudeauth/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// utlsRoundTripper speaks HTTP/2 over a uTLS connection presenting a Firefox
// ClientHello, so token requests look like the browser that completed consent.
// Plain http:// requests (local test endpoints) go through fallback.
type utlsRoundTripper struct {
	// mu guards connections and pending
	mu sync.Mutex
	// connections caches one HTTP/2 client connection per host
	connections map[string]*http2.ClientConn
	// pending holds a condition per host while a dial is in progress
	pending  map[string]*sync.Cond
	dialer   proxy.Dialer
	fallback http.RoundTripper
}

func newUtlsRoundTripper(cfg *config.SDKConfig) *utlsRoundTripper {
	var dialer proxy.Dialer = proxy.Direct
	if cfg != nil && cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			log.Errorf("failed to parse proxy URL %q: %v", cfg.ProxyURL, err)
		} else if pDialer, errDialer := proxy.FromURL(proxyURL, proxy.Direct); errDialer != nil {
			log.Errorf("failed to create proxy dialer for %q: %v", cfg.ProxyURL, errDialer)
		} else {
			dialer = pDialer
		}
	}

	fallback := util.SetProxy(cfg, &http.Client{}).Transport
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	return &utlsRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
		fallback:    fallback,
	}
}

// getOrCreateConnection returns a cached connection or dials one. Concurrent
// callers for the same host wait for the first dial instead of racing.
func (t *utlsRoundTripper) getOrCreateConnection(ctx context.Context, host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()
	for {
		if h2Conn, ok := t.connections[host]; ok && h2Conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return h2Conn, nil
		}
		cond, ok := t.pending[host]
		if !ok {
			break
		}
		cond.Wait()
	}
	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	h2Conn, err := t.createConnection(ctx, host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, host)
	cond.Broadcast()
	if err != nil {
		return nil, err
	}
	t.connections[host] = h2Conn
	return h2Conn, nil
}

func (t *utlsRoundTripper) createConnection(ctx context.Context, host, addr string) (*http2.ClientConn, error) {
	var (
		conn net.Conn
		err  error
	)
	if cd, ok := t.dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = t.dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloFirefox_Auto)
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return h2Conn, nil
}

// RoundTrip implements http.RoundTripper.
func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.fallback.RoundTrip(req)
	}
	hostname := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(hostname, port)

	h2Conn, err := t.getOrCreateConnection(req.Context(), hostname, addr)
	if err != nil {
		return nil, err
	}

	resp, err := h2Conn.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == h2Conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// CloseIdleConnections drops every cached HTTP/2 connection.
func (t *utlsRoundTripper) CloseIdleConnections() {
	t.mu.Lock()
	conns := t.connections
	t.connections = make(map[string]*http2.ClientConn)
	t.mu.Unlock()
	for host, c := range conns {
		if err := c.Close(); err != nil {
			log.Debugf("close connection to %s: %v", host, err)
		}
	}
	if ci, ok := t.fallback.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// NewAnthropicHttpClient creates an HTTP client whose TLS handshake carries a
// Firefox fingerprint. Proxy settings from cfg apply to both the uTLS dialer
// and the plain-HTTP fallback.
func NewAnthropicHttpClient(cfg *config.SDKConfig) *http.Client {
	return &http.Client{
		Transport: newUtlsRoundTripper(cfg),
	}
}

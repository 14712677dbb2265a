package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Yvictor/tpp/internal/pool"
	"github.com/Yvictor/tpp/internal/trace"
)

// shutdownTimeout bounds how long shutdown waits for in-flight requests.
const shutdownTimeout = 30 * time.Second

// Upstream describes where proxied requests go.
type Upstream struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns the upstream as "host:port".
func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Scheme returns "https" when the upstream uses TLS.
func (u Upstream) Scheme() string {
	if u.TLS {
		return "https"
	}
	return "http"
}

// binding is the per-connection state: one lease bound to one client TCP
// connection for its whole life. Created on accept, released exactly once on
// connection close.
type binding struct {
	id    string
	start time.Time

	mu    sync.Mutex
	lease *pool.Lease

	invalid  atomic.Bool
	requests atomic.Uint64
}

// acquireOnce takes the pool lease on the connection's first request.
// net/http serializes requests on one connection, so contention here only
// comes from the release path.
func (b *binding) acquireOnce(ctx context.Context, p *pool.Pool) (*pool.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease != nil {
		return b.lease, nil
	}

	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	b.lease = lease
	log.Printf("[INFO] proxy: conn=%s bound slot=%d", b.id, lease.SlotID())
	return lease, nil
}

// release returns the lease with the recorded outcome. Safe to call on
// connections that never acquired one, and idempotent via the pool.
func (b *binding) release(snapshot func() pool.Snapshot) {
	b.mu.Lock()
	lease := b.lease
	b.mu.Unlock()

	if lease == nil {
		return
	}

	outcome := pool.OutcomeOK
	if b.invalid.Load() {
		outcome = pool.OutcomeInvalid
	}
	lease.Release(outcome)

	snap := snapshot()
	log.Printf("[INFO] proxy: conn=%s released slot=%d requests=%d duration=%s (in_use=%d/%d)",
		b.id, lease.SlotID(), b.requests.Load(),
		time.Since(b.start).Round(time.Millisecond), snap.InUse, snap.Total)
}

type ctxKeyBinding struct{}

func bindingFromContext(ctx context.Context) (*binding, bool) {
	b, ok := ctx.Value(ctxKeyBinding{}).(*binding)
	return b, ok
}

// Server is the HTTP reverse proxy: it leases one pool token per client
// connection, injects it as the Authorization header on every request, and
// flags the token invalid when the upstream answers 401.
type Server struct {
	pool     *pool.Pool
	upstream Upstream

	httpSrv  *http.Server
	rp       *httputil.ReverseProxy
	bindings sync.Map // net.Conn -> *binding
}

// NewServer creates a proxy server in front of the given upstream.
func NewServer(p *pool.Pool, upstream Upstream) *Server {
	s := &Server{pool: p, upstream: upstream}

	s.rp = &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		ModifyResponse: s.inspectResponse,
		ErrorHandler:   s.upstreamError,
	}

	s.httpSrv = &http.Server{
		Handler:     http.HandlerFunc(s.serveHTTP),
		ConnContext: s.connContext,
		ConnState:   s.connState,
	}

	return s
}

// connContext runs once per accepted connection and attaches the binding
// that will carry the lease.
func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	b := &binding{id: uuid.NewString(), start: time.Now()}
	s.bindings.Store(c, b)
	if trace.Debug() {
		log.Printf("[DEBUG] proxy: conn=%s accepted remote=%s", b.id, c.RemoteAddr())
	}
	ctx = trace.WithConnID(ctx, b.id)
	return context.WithValue(ctx, ctxKeyBinding{}, b)
}

// connState fires the release on every connection exit path: normal close,
// client disconnect, upstream failure, server shutdown, and handler panic
// all end in StateClosed (or StateHijacked) from the connection's own
// cleanup, which is what guarantees exactly one release per acquire.
func (s *Server) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	v, ok := s.bindings.LoadAndDelete(c)
	if !ok {
		return
	}
	v.(*binding).release(s.pool.Snapshot)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	b, ok := bindingFromContext(r.Context())
	if !ok {
		// Handler invoked outside our listener (tests); bind per request.
		b = &binding{id: uuid.NewString(), start: time.Now()}
		defer b.release(s.pool.Snapshot)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyBinding{}, b))
	}

	if _, err := b.acquireOnce(r.Context(), s.pool); err != nil {
		// The client went away while queued for a token.
		log.Printf("[WARN] proxy: conn=%s acquire aborted: %v", b.id, err)
		http.Error(w, "proxy shutting down", http.StatusServiceUnavailable)
		return
	}

	b.requests.Add(1)
	s.rp.ServeHTTP(w, r)
}

// rewrite points the request at the upstream and swaps in the pooled
// bearer token. Everything else is forwarded verbatim.
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Scheme = s.upstream.Scheme()
	pr.Out.URL.Host = s.upstream.Addr()
	pr.Out.Host = pr.In.Host

	b, ok := bindingFromContext(pr.In.Context())
	if !ok {
		return
	}
	b.mu.Lock()
	lease := b.lease
	b.mu.Unlock()
	if lease == nil {
		return
	}

	// Set replaces any Authorization the client sent, so exactly one header
	// reaches the upstream.
	pr.Out.Header.Set("Authorization", "Bearer "+lease.Token())
	lease.RecordUse()

	if trace.Debug() {
		log.Printf("[DEBUG] proxy: conn=%s -> %s %s slot=%d", b.id, pr.Out.Method, pr.Out.URL.Path, lease.SlotID())
	}
}

// inspectResponse watches for upstream 401s. The response passes through to
// the client unchanged either way; a 401 just flags the bound token so the
// refresher replaces it.
func (s *Server) inspectResponse(resp *http.Response) error {
	b, ok := bindingFromContext(resp.Request.Context())
	if !ok {
		return nil
	}
	b.mu.Lock()
	lease := b.lease
	b.mu.Unlock()
	if lease == nil {
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		lease.RecordError()
		if b.invalid.CompareAndSwap(false, true) {
			log.Printf("[WARN] proxy: conn=%s got 401, token slot=%d flagged invalid", b.id, lease.SlotID())
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		lease.RecordError()
	}
	return nil
}

// upstreamError handles transport failures to the upstream. The token is not
// the cause, so the lease outcome stays OK.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if b, ok := bindingFromContext(r.Context()); ok {
		b.mu.Lock()
		lease := b.lease
		b.mu.Unlock()
		if lease != nil {
			lease.RecordError()
		}
		log.Printf("[ERROR] proxy: conn=%s upstream error: %v", b.id, err)
	} else {
		log.Printf("[ERROR] proxy: upstream error: %v", err)
	}
	w.WriteHeader(http.StatusBadGateway)
}

// Start listens on addr and serves until ctx is canceled, then shuts down
// gracefully, letting in-flight requests finish.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like Start but on a caller-provided listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] proxy: shutdown: %v", err)
		}
	}()

	log.Printf("[INFO] proxy: listening on %s upstream=%s tls=%v pool=%d",
		ln.Addr(), s.upstream.Addr(), s.upstream.TLS, s.pool.Snapshot().Total)

	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

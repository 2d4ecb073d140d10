// Package proxy implements the connect dispatcher, MITM handler, and
// tunnel handler from spec §4.1/§4.2: the HTTP(S) proxy server a
// package-manager client points its HTTPS_PROXY at.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/safe-chain/proxy/internal/audit"
	"github.com/safe-chain/proxy/internal/classify"
	"github.com/safe-chain/proxy/internal/config"
	"github.com/safe-chain/proxy/internal/forward"
	"github.com/safe-chain/proxy/internal/imds"
	"github.com/safe-chain/proxy/internal/interceptor"
	"github.com/safe-chain/proxy/internal/oracle"
	"github.com/safe-chain/proxy/internal/trust"
)

// Server owns the HTTP proxy listener and helpers.
type Server struct {
	httpServer *http.Server
	transport  *http.Transport
	handler    *handler
}

// Deps are the components NewServer wires together; callers (cmd/safe-chain-proxy)
// construct these once at startup.
type Deps struct {
	Classifier      *classify.Classifier
	Registry        interceptor.Registry
	Trust           *trust.Manager
	Oracle          *oracle.Client
	IMDSPolicy      *imds.Policy
	Logger          audit.Logger
	OpsLog          *zap.Logger
	UpstreamTLS     *tls.Config
}

// NewServer wires dependencies and returns a ready-to-run proxy server.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("audit logger must not be nil")
	}
	if deps.Classifier == nil {
		return nil, errors.New("classifier must not be nil")
	}
	if deps.Trust == nil {
		return nil, errors.New("trust manager must not be nil")
	}
	if deps.IMDSPolicy == nil {
		deps.IMDSPolicy = imds.NewPolicy(0, 0)
	}
	if deps.OpsLog == nil {
		deps.OpsLog = zap.NewNop()
	}

	transport := forward.NewTransport(deps.IMDSPolicy, deps.UpstreamTLS)

	h := &handler{
		logger:       deps.Logger,
		opsLog:       deps.OpsLog,
		transport:    transport,
		allowHosts:   cfg.AllowHosts,
		filters:      buildFilterChain(cfg),
		classifier:   deps.Classifier,
		registry:     deps.Registry,
		trust:        deps.Trust,
		oracle:       deps.Oracle,
		imds:         deps.IMDSPolicy,
		excerptLimit: cfg.ExcerptLimit,
	}
	if cfg.ExcerptLimit > 0 {
		h.bufPool = sync.Pool{New: func() any { return audit.NewLimitedBuffer(cfg.ExcerptLimit) }}
	}

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}

	return &Server{
		httpServer: httpSrv,
		transport:  transport,
		handler:    h,
	}, nil
}

// ListenAndServe starts the proxy and blocks until it exits.
func (s *Server) ListenAndServe() error {
	if s == nil || s.httpServer == nil {
		return errors.New("server not initialised")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the proxy server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	logger     audit.Logger
	opsLog     *zap.Logger
	transport  *http.Transport
	allowHosts []string
	requestSeq uint64
	filters    FilterChain

	classifier *classify.Classifier
	registry   interceptor.Registry
	trust      *trust.Manager
	oracle     *oracle.Client
	imds       *imds.Policy

	excerptLimit int
	bufPool      sync.Pool
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	h.handleHTTP(w, r)
}

func (h *handler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := h.nextID()

	var (
		requestBuf  *audit.LimitedBuffer
		responseBuf *audit.LimitedBuffer
	)
	defer func() {
		h.releaseBuffer(requestBuf)
		h.releaseBuffer(responseBuf)
	}()

	outbound, targetHost, err := cloneRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		h.logError(reqID, start, r, targetHost, "http", err)
		return
	}

	if !h.allowed(targetHost) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		h.logError(reqID, start, r, targetHost, "http", fmt.Errorf("blocked host: %s", targetHost))
		return
	}

	if h.excerptLimit > 0 && outbound.Body != nil && outbound.Body != http.NoBody {
		requestBuf = h.acquireBuffer()
		outbound.Body = audit.NewTeeReadCloser(outbound.Body, requestBuf)
	}

	if err := h.filters.ApplyRequest(outbound); err != nil {
		http.Error(w, "request blocked", http.StatusForbidden)
		h.logError(reqID, start, r, targetHost, outbound.URL.Scheme, fmt.Errorf("request filter rejected: %w", err))
		return
	}

	if blocked, attrs := h.interceptRequest(r.Context(), targetHost, outbound); blocked {
		writeBlockResponse(w)
		h.logBlocked(reqID, start, r, targetHost, outbound.URL.Scheme, attrs)
		return
	}

	resp, err := h.transport.RoundTrip(outbound)
	if err != nil {
		http.Error(w, "upstream error", http.StatusBadGateway)
		h.logError(reqID, start, r, targetHost, outbound.URL.Scheme, err)
		return
	}
	if h.excerptLimit > 0 && resp.Body != nil {
		responseBuf = h.acquireBuffer()
		resp.Body = audit.NewTeeReadCloser(resp.Body, responseBuf)
	}
	defer resp.Body.Close()

	if err := h.filters.ApplyResponse(resp); err != nil {
		http.Error(w, "response blocked", http.StatusBadGateway)
		h.logError(reqID, start, r, targetHost, outbound.URL.Scheme, fmt.Errorf("response filter rejected: %w", err))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	bytesCopied, copyErr := copyStream(w, resp.Body)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		h.opsLog.Warn("stream copy failed", zap.Error(copyErr))
	}

	latency := time.Since(start)

	entry := audit.Entry{
		Time:      start.UTC(),
		ID:        reqID,
		Conn:      newConnMetadata(r, targetHost, outbound.URL.Scheme),
		Request:   newHTTPRequest(r),
		Response:  newHTTPResponse(resp, bytesCopied),
		LatencyMS: latency.Milliseconds(),
	}
	if requestBuf != nil && requestBuf.Len() > 0 {
		entry.Attributes = ensureAttrs(entry.Attributes)
		entry.Attributes["request_excerpt"] = string(requestBuf.Bytes())
	}
	if responseBuf != nil && responseBuf.Len() > 0 {
		entry.Attributes = ensureAttrs(entry.Attributes)
		entry.Attributes["response_excerpt"] = string(responseBuf.Bytes())
	}

	if err := h.logger.Record(context.Background(), entry); err != nil {
		h.opsLog.Warn("audit log write failed", zap.Error(err))
	}
}

func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := h.nextID()
	targetHost := r.Host

	if !h.allowed(targetHost) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("blocked host: %s", targetHost))
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		h.logError(reqID, start, r, targetHost, "connect", errors.New("response writer does not implement hijacker"))
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("hijack failed: %w", err))
		return
	}

	defer clientConn.Close()

	// established answers the CONNECT with 200 once the route is decided
	// (and, for a tunnel, once the upstream dial has succeeded).
	established := func() bool {
		_, _ = clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
		if err := clientBuf.Flush(); err != nil {
			h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("flush failed: %w", err))
			return false
		}
		return true
	}

	hostOnly := targetHost
	if h, _, err := net.SplitHostPort(targetHost); err == nil {
		hostOnly = h
	}
	result := h.classifier.Classify(hostOnly)

	if result.Known {
		if !established() {
			return
		}
		if err := h.handleMitmTLS(clientConn, r, targetHost, result); err != nil {
			h.logError(reqID, start, r, targetHost, "mitm", err)
		}
		return
	}

	upstreamConn, err := h.imds.DialContext(r.Context(), targetHost)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("dial failed: %w", err))
		return
	}
	defer upstreamConn.Close()

	if !established() {
		return
	}

	transferErr := tunnelConnections(clientBuf, clientConn, upstreamConn)

	latency := time.Since(start)
	entry := audit.Entry{
		Time:      start.UTC(),
		ID:        reqID,
		Conn:      newConnMetadata(r, targetHost, "connect"),
		LatencyMS: latency.Milliseconds(),
	}
	if transferErr != nil && !errors.Is(transferErr, context.Canceled) {
		entry.Error = transferErr.Error()
	}
	if err := h.logger.Record(context.Background(), entry); err != nil {
		h.opsLog.Warn("audit log write failed", zap.Error(err))
	}
}

// interceptRequest runs the matched ecosystem interceptor (if any) against
// outbound, returning (true, attrs) when the request should be blocked.
func (h *handler) interceptRequest(ctx context.Context, targetHost string, outbound *http.Request) (bool, map[string]any) {
	hostOnly := targetHost
	if hh, _, err := net.SplitHostPort(targetHost); err == nil {
		hostOnly = hh
	}
	result := h.classifier.Classify(hostOnly)
	if !result.Known {
		return false, nil
	}
	ic, ok := h.registry.For(result.Ecosystem)
	if !ok || !ic.Matches(hostOnly, outbound.URL.Path) {
		return false, nil
	}
	decision := ic.Handle(ctx, outbound.Method, outbound.URL.RequestURI(), outbound.Header, h.oracle)
	if decision.Action != interceptor.Block {
		return false, nil
	}
	h.opsLog.Warn("malwareBlocked",
		zap.String("ecosystem", string(decision.BlockedOn.Ecosystem)),
		zap.String("package", decision.BlockedOn.Name),
		zap.String("version", decision.BlockedOn.Version),
		zap.String("url", outbound.URL.String()),
	)
	return true, map[string]any{
		"malwareBlocked": true,
		"package":        decision.BlockedOn.Name,
		"version":        decision.BlockedOn.Version,
	}
}

func writeBlockResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(interceptor.BlockBody)))
	w.WriteHeader(http.StatusForbidden)
	_, _ = io.WriteString(w, interceptor.BlockBody)
}

func (h *handler) logBlocked(id string, start time.Time, r *http.Request, target, protocol string, attrs map[string]any) {
	entry := audit.Entry{
		Time:       start.UTC(),
		ID:         id,
		Conn:       newConnMetadata(r, target, protocol),
		Request:    newHTTPRequest(r),
		LatencyMS:  time.Since(start).Milliseconds(),
		Attributes: attrs,
	}
	if err := h.logger.Record(context.Background(), entry); err != nil {
		h.opsLog.Warn("audit log write failed", zap.Error(err))
	}
}

func (h *handler) logError(id string, start time.Time, r *http.Request, target string, protocol string, err error) {
	entry := audit.Entry{
		Time: start.UTC(),
		ID:   id,
		Conn: audit.ConnMetadata{
			ClientAddr: audit.ClientAddrFromRequest(r),
			Target:     target,
			Protocol:   protocol,
		},
		Request:   newHTTPRequest(r),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := h.logger.Record(context.Background(), entry); logErr != nil {
		h.opsLog.Warn("audit log write failed", zap.Error(logErr))
	}
}

func (h *handler) allowed(target string) bool {
	if target == "" {
		return false
	}
	if len(h.allowHosts) == 0 {
		return true
	}
	host := target
	if strings.Contains(host, ":") {
		host, _, _ = net.SplitHostPort(target)
	}
	for _, allowed := range h.allowHosts {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

func (h *handler) nextID() string {
	seq := atomic.AddUint64(&h.requestSeq, 1)
	return fmt.Sprintf("req-%d", seq)
}

func cloneRequest(r *http.Request) (*http.Request, string, error) {
	if r.URL == nil {
		return nil, "", errors.New("missing url")
	}
	// Clone the request to avoid mutating shared state.
	outbound := r.Clone(r.Context())
	if outbound.URL.Scheme == "" {
		outbound.URL = cloneURL(outbound.URL)
		outbound.URL.Scheme = "http"
	}
	if outbound.URL.Host == "" {
		outbound.URL.Host = r.Host
	}
	outbound.RequestURI = ""
	outbound.Header = cloneHeader(r.Header)
	outbound.Header.Del("Proxy-Connection")
	outbound.Header.Del("Proxy-Authenticate")
	outbound.Header.Del("Proxy-Authorization")
	target := outbound.URL.Host
	return outbound, target, nil
}

func cloneURL(in *url.URL) *url.URL {
	if in == nil {
		return &url.URL{}
	}
	out := *in
	return &out
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	out := make(http.Header, len(h))
	for k, vv := range h {
		dup := make([]string, len(vv))
		copy(dup, vv)
		out[k] = dup
	}
	return out
}

func newConnMetadata(r *http.Request, target, protocol string) audit.ConnMetadata {
	return audit.ConnMetadata{
		ClientAddr: audit.ClientAddrFromRequest(r),
		Target:     target,
		Protocol:   protocol,
	}
}

func newHTTPRequest(r *http.Request) *audit.HTTPRequest {
	if r == nil {
		return nil
	}
	return &audit.HTTPRequest{
		Method:        r.Method,
		URL:           r.URL.String(),
		Header:        audit.SanitiseHeaders(r.Header),
		ContentLength: r.ContentLength,
	}
}

func newHTTPResponse(resp *http.Response, bodyBytes int64) *audit.HTTPResponse {
	if resp == nil {
		return nil
	}
	contentLen := resp.ContentLength
	if contentLen < 0 {
		contentLen = bodyBytes
	}
	return &audit.HTTPResponse{
		Status:        resp.StatusCode,
		Header:        audit.SanitiseHeaders(resp.Header),
		ContentLength: contentLen,
	}
}

func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	if dst == nil || src == nil {
		return 0, errors.New("invalid stream copy parameters")
	}
	copied, err := io.Copy(dst, src)
	return copied, err
}

func copyHeaders(dst, src http.Header) {
	for k := range dst {
		dst.Del(k)
	}
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func buildFilterChain(cfg config.Config) FilterChain {
	if len(cfg.Filters) == 0 {
		return NewFilterChain(NoopFilter{})
	}
	return NewFilterChainFromSpecs(cfg.Filters)
}

func ensureAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return make(map[string]any)
	}
	return attrs
}

func (h *handler) acquireBuffer() *audit.LimitedBuffer {
	if h.excerptLimit <= 0 {
		return nil
	}
	if buf, ok := h.bufPool.Get().(*audit.LimitedBuffer); ok {
		buf.Reset(h.excerptLimit)
		return buf
	}
	return audit.NewLimitedBuffer(h.excerptLimit)
}

func (h *handler) releaseBuffer(buf *audit.LimitedBuffer) {
	if buf == nil || h.excerptLimit <= 0 {
		return
	}
	buf.Reset(h.excerptLimit)
	h.bufPool.Put(buf)
}

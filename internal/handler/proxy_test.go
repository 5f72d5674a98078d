package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ollama-proxy/internal/client"
	"ollama-proxy/internal/config"
	"ollama-proxy/internal/metrics"
	"ollama-proxy/internal/service"
)

// testStack is a fully wired proxy in front of a fake backend.
type testStack struct {
	echo    *echo.Echo
	metrics *metrics.Metrics
	proxy   *ProxyHandler
}

func newTestStack(t *testing.T, backendURL string, chunkSize int, staticDir string) *testStack {
	t.Helper()
	enabled := staticDir != ""
	cfg := &config.Config{
		Backend: config.BackendConfig{
			BaseURL:             backendURL,
			IdleConnections:     10,
			ChunkSize:           chunkSize,
			CheckTimeoutSeconds: 2,
		},
		Static: config.StaticConfig{Enabled: &enabled, Dir: staticDir},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	svc, err := service.NewProxyService(client.NewBackendClient(cfg, logger, m), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	proxy := NewProxyHandler(svc, cfg, logger, m)
	router := NewRouter(proxy, NewStaticHandler(cfg))
	health := NewHealthHandler(cfg, "test", svc)

	e := echo.New()
	RegisterRoutes(e, router, health)
	return &testStack{echo: e, metrics: m, proxy: proxy}
}

func (s *testStack) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *testStack) outcome(name string) float64 {
	return testutil.ToFloat64(s.metrics.RelayOutcomes.WithLabelValues(name))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProxyHandler_GetTags(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	rec := s.do(http.MethodGet, "/api/tags", http.NoBody)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"models":[]}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"models":[]}`)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want backend value", ct)
	}
	if got := s.outcome(metrics.OutcomeCompleted); got != 1 {
		t.Errorf("completed outcomes = %v, want 1", got)
	}
}

func TestProxyHandler_PathAndQueryUnmodified(t *testing.T) {
	seen := make(chan string, 8)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")

	for _, target := range []string{
		"/api/tags",
		"/api/show?name=llama3%3A8b",
		"/api/ps?a=1&a=2&b=",
		"/api/blobs/sha256%3Adeadbeef",
		"/api/",
	} {
		t.Run(target, func(t *testing.T) {
			rec := s.do(http.MethodGet, target, http.NoBody)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := <-seen; got != target {
				t.Errorf("backend saw %q, want %q", got, target)
			}
		})
	}
}

func TestProxyHandler_InjectedHeaders(t *testing.T) {
	type observed struct {
		host    string
		origin  []string
		referer []string
		cookie  string
	}
	seen := make(chan observed, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- observed{
			host:    r.Host,
			origin:  r.Header.Values("Origin"),
			referer: r.Header.Values("Referer"),
			cookie:  r.Header.Get("Cookie"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	backendURL, _ := url.Parse(backend.URL)

	s := newTestStack(t, backend.URL, 0, "")
	req := httptest.NewRequest(http.MethodGet, "http://localhost:3001/api/tags", http.NoBody)
	req.Header.Set("Origin", "http://localhost:3001")
	req.Header.Set("Referer", "http://localhost:3001/")
	req.Header.Set("Cookie", "theme=dark")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	got := <-seen
	if got.host != backendURL.Host {
		t.Errorf("Host = %q, want %q", got.host, backendURL.Host)
	}
	if len(got.origin) != 1 || got.origin[0] != backend.URL {
		t.Errorf("Origin = %v, want [%s]", got.origin, backend.URL)
	}
	if len(got.referer) != 1 || got.referer[0] != backend.URL {
		t.Errorf("Referer = %v, want [%s]", got.referer, backend.URL)
	}
	if got.cookie != "theme=dark" {
		t.Errorf("Cookie = %q, want it forwarded unchanged", got.cookie)
	}
}

func TestProxyHandler_ResponseFramingHeadersDropped(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "identity")
		w.Header().Set("Content-Length", "5")
		w.Header().Set("X-Ollama-Version", "0.1.0")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	rec := s.do(http.MethodGet, "/api/version", http.NoBody)

	for _, h := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding"} {
		if v := rec.Header().Get(h); v != "" {
			t.Errorf("%s = %q, want it dropped", h, v)
		}
	}
	if v := rec.Header().Get("X-Ollama-Version"); v != "0.1.0" {
		t.Errorf("X-Ollama-Version = %q, want forwarded", v)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}
}

func TestProxyHandler_POSTStreamsChunksInOrder(t *testing.T) {
	chunks := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"x"}` {
			t.Errorf("backend body = %q, want %q", body, `{"model":"x"}`)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	rec := s.do(http.MethodPost, "/api/generate", strings.NewReader(`{"model":"x"}`))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if want := strings.Join(chunks, ""); rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("response was never flushed")
	}
}

func TestProxyHandler_ChunkSizeIndependent(t *testing.T) {
	payload := strings.Repeat("0123456789", 500)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < len(payload); i += 333 {
			end := min(i+333, len(payload))
			_, _ = io.WriteString(w, payload[i:end])
			w.(http.Flusher).Flush()
		}
	}))
	defer backend.Close()

	for _, size := range []int{1, 7, 1024, 65536} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			s := newTestStack(t, backend.URL, size, "")
			rec := s.do(http.MethodGet, "/api/tags", http.NoBody)
			if rec.Body.String() != payload {
				t.Errorf("relayed %d bytes, want %d identical bytes", rec.Body.Len(), len(payload))
			}
			if got := testutil.ToFloat64(s.metrics.RelayedBytes); got != float64(len(payload)) {
				t.Errorf("relayed bytes metric = %v, want %d", got, len(payload))
			}
		})
	}
}

func TestProxyHandler_StreamsIncrementally(t *testing.T) {
	next := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := range 3 {
			if i > 0 {
				select {
				case <-next:
				case <-r.Context().Done():
					return
				}
			}
			fmt.Fprintf(w, `{"response":"tok%d"}`+"\n", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	proxy := httptest.NewServer(s.echo)
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/api/generate", "application/json", strings.NewReader(`{"model":"x","stream":true}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Each line must arrive before the backend is allowed to produce the next.
	buf := make([]byte, len(`{"response":"tok0"}`+"\n"))
	for i := range 3 {
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			t.Fatalf("read line %d: %v", i, err)
		}
		if want := fmt.Sprintf(`{"response":"tok%d"}`+"\n", i); string(buf) != want {
			t.Errorf("line %d = %q, want %q", i, buf, want)
		}
		if i < 2 {
			next <- struct{}{}
		}
	}
}

func TestProxyHandler_BackendErrorMirrored(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend-Trace", "abc")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'x' not found"}`))
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	rec := s.do(http.MethodPost, "/api/generate", strings.NewReader(`{"model":"x"}`))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != `{"error":"model 'x' not found"}` {
		t.Errorf("body = %q, want backend error body verbatim", rec.Body.String())
	}
	if v := rec.Header().Get("X-Backend-Trace"); v != "" {
		t.Errorf("X-Backend-Trace = %q, backend headers must not be sent with an error status", v)
	}
	if got := s.outcome(metrics.OutcomeBackendError); got != 1 {
		t.Errorf("backend_error outcomes = %v, want 1", got)
	}
}

func TestProxyHandler_BackendServerErrorMirrored(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading failed", http.StatusInternalServerError)
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	rec := s.do(http.MethodPost, "/api/chat", strings.NewReader(`{}`))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "model loading failed") {
		t.Errorf("body = %q, want backend message", rec.Body.String())
	}
}

func TestProxyHandler_BackendUnreachable(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := newTestStack(t, "http://"+addr, 0, "")
	rec := s.do(http.MethodGet, "/api/tags", http.NoBody)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(body["error"], "Bad Gateway: ") {
		t.Errorf("error = %q, want Bad Gateway prefix", body["error"])
	}
	if !strings.Contains(body["error"], addr) {
		t.Errorf("error = %q, want failure description mentioning %s", body["error"], addr)
	}
	if got := s.outcome(metrics.OutcomeDispatchFailed); got != 1 {
		t.Errorf("dispatch_failed outcomes = %v, want 1", got)
	}
}

func TestProxyHandler_CanceledContextWritesNothing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")

	req := httptest.NewRequest(http.MethodGet, "/api/tags", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want nothing written to a departed client", rec.Body.String())
	}
	if got := s.outcome(metrics.OutcomeClientDisconnected); got != 1 {
		t.Errorf("client_disconnected outcomes = %v, want 1", got)
	}
}

func TestProxyHandler_ClientDisconnectStopsRelay(t *testing.T) {
	backendDone := make(chan int, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		written := 0
		defer func() { backendDone <- written }()
		for i := 1; i <= 5; i++ {
			if i == 3 {
				// Hold chunk 3 until the proxy gives up on this request.
				<-r.Context().Done()
				return
			}
			fmt.Fprintf(w, "chunk%d;", i)
			w.(http.Flusher).Flush()
			written++
		}
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	proxy := httptest.NewServer(s.echo)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/api/generate")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	buf := make([]byte, len("chunk1;chunk2;"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "chunk1;chunk2;" {
		t.Errorf("received %q, want first two chunks", buf)
	}
	// Closing an unfinished body drops the connection.
	_ = resp.Body.Close()

	select {
	case n := <-backendDone:
		if n != 2 {
			t.Errorf("backend wrote %d chunks, want 2", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend request was not canceled after client disconnect")
	}

	waitFor(t, func() bool { return s.outcome(metrics.OutcomeClientDisconnected) == 1 })
	if got := s.outcome(metrics.OutcomeCompleted); got != 0 {
		t.Errorf("completed outcomes = %v, want 0", got)
	}
}

func TestProxyHandler_IndependentConcurrentRelays(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("slow") == "1" {
			<-release
		}
		_, _ = io.WriteString(w, r.URL.Query().Get("id"))
	}))
	defer backend.Close()

	s := newTestStack(t, backend.URL, 0, "")
	proxy := httptest.NewServer(s.echo)
	defer proxy.Close()

	var wg sync.WaitGroup
	results := make([]string, 2)
	get := func(i int, query string) {
		defer wg.Done()
		resp, err := http.Get(proxy.URL + "/api/tags?" + query)
		if err != nil {
			t.Errorf("GET %d: %v", i, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		results[i] = string(b)
	}

	wg.Add(1)
	go get(0, "id=slow&slow=1")

	// The fast request completes while the slow one is still held.
	wg.Add(1)
	get(1, "id=fast")
	if results[1] != "fast" {
		t.Errorf("fast relay = %q, want %q", results[1], "fast")
	}

	close(release)
	wg.Wait()
	if results[0] != "slow" {
		t.Errorf("slow relay = %q, want %q", results[0], "slow")
	}
}

func TestProxyHandler_mapError_DNSError(t *testing.T) {
	s := newTestStack(t, "http://127.0.0.1:11434", 0, "")

	req := httptest.NewRequest(http.MethodGet, "/api/tags", http.NoBody)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	dnsErr := &net.DNSError{Err: "no such host", Name: "ollama.invalid"}
	wrapped := fmt.Errorf("forward to backend: %w", dnsErr)

	if err := s.proxy.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(body["error"], "no such host") {
		t.Errorf("error = %q, want DNS failure description", body["error"])
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"dns", fmt.Errorf("wrap: %w", &net.DNSError{Err: "no such host", Name: "x"}), "dns"},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), "timeout"},
		{"url timeout", &url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded}, "timeout"},
		{"short body", fmt.Errorf("read request body: %w", io.ErrUnexpectedEOF), "request_body"},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("boom")}, "connection"},
		{"other", fmt.Errorf("something else"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureReason(tt.err); got != tt.want {
				t.Errorf("failureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsClientGone(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"broken pipe", context.Background(), &net.OpError{Op: "write", Err: syscall.EPIPE}, true},
		{"closed conn", context.Background(), fmt.Errorf("write: %w", net.ErrClosed), true},
		{"canceled request", canceled, fmt.Errorf("read: %w", context.Canceled), true},
		{"canceled without request cancel", context.Background(), context.Canceled, false},
		{"backend failure", context.Background(), fmt.Errorf("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isClientGone(tt.ctx, tt.err); got != tt.want {
				t.Errorf("isClientGone() = %v, want %v", got, tt.want)
			}
		})
	}
}

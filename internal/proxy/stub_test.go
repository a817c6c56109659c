package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/kitchen-assistant/kitchen-cache/internal/cache"
	"github.com/kitchen-assistant/kitchen-cache/internal/config"
	"github.com/kitchen-assistant/kitchen-cache/internal/logging"
	"github.com/kitchen-assistant/kitchen-cache/internal/server"
)

var drivers = []string{cache.DriverFS, cache.DriverLevelDB, cache.DriverSQLite}

// forEachDriver runs fn against a fresh storage for every backend.
func forEachDriver(t *testing.T, fn func(t *testing.T, storage cache.Storage)) {
	t.Helper()
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			fn(t, newTestStorage(t, driver))
		})
	}
}

func newTestStorage(t *testing.T, driver string) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage(driver, filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("failed to create %s storage: %v", driver, err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

type stubPage struct {
	status      int
	contentType string
	body        string
}

type stubRequest struct {
	method string
	body   string
}

// originStub 模拟 web 客户端源站，默认提供全部预取资源。
type originStub struct {
	server *httptest.Server

	mu    sync.Mutex
	pages map[string]stubPage
	hits  map[string]int
	last  map[string]stubRequest
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{
		pages: map[string]stubPage{
			"/":              {status: http.StatusOK, contentType: "text/html", body: "<html>root</html>"},
			"/index.html":    {status: http.StatusOK, contentType: "text/html", body: "<html>index</html>"},
			"/config.js":     {status: http.StatusOK, contentType: "application/javascript", body: "const CONFIG = {};"},
			"/manifest.json": {status: http.StatusOK, contentType: "application/json", body: `{"name":"kitchen"}`},
		},
		hits: make(map[string]int),
		last: make(map[string]stubRequest),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.last[r.URL.Path] = stubRequest{method: r.Method, body: string(body)}
	page, ok := s.pages[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if page.contentType != "" {
		w.Header().Set("Content-Type", page.contentType)
	}
	w.WriteHeader(page.status)
	_, _ = io.WriteString(w, page.body)
}

func (s *originStub) Set(path string, page stubPage) {
	s.mu.Lock()
	s.pages[path] = page
	s.mu.Unlock()
}

func (s *originStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *originStub) Last(path string) stubRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[path]
}

func (s *originStub) URL() string {
	return s.server.URL
}

// Close 关闭源站，之后的请求都会遇到连接失败，用来模拟离线。
func (s *originStub) Close() {
	s.server.Close()
}

func newTestWorker(t *testing.T, storage cache.Storage, originURL, cacheName string) *Worker {
	t.Helper()
	origin, err := url.Parse(originURL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	worker, err := NewWorker(Options{
		Origin:    origin,
		CacheName: cacheName,
		Assets:    config.DefaultAssets(),
	}, server.NewUpstreamClient(nil), storage, logging.Discard())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(worker.Flush)
	return worker
}

func newInterceptApp(t *testing.T, worker *Worker) *fiber.App {
	t.Helper()
	logger := logging.Discard()
	handler := NewHandler(worker, server.NewUpstreamClient(nil), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      NewForwarder(handler, worker.CacheName(), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return app
}

package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/kitchen-assistant/kitchen-cache/internal/cache"
	"github.com/kitchen-assistant/kitchen-cache/internal/config"
)

func doRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://kitchen.local"+path, body)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(payload)
}

func startedWorker(t *testing.T, storage cache.Storage, origin *originStub) *Worker {
	t.Helper()
	worker := newTestWorker(t, storage, origin.URL(), "kitchen-assistant-v2")
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	return worker
}

func bucketKeys(t *testing.T, worker *Worker) []cache.RequestKey {
	t.Helper()
	_, bucket, ok := worker.Active()
	if !ok {
		t.Fatalf("worker has no active bucket")
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	return keys
}

func TestNonGetRequestPassesThrough(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage cache.Storage) {
		origin := newOriginStub(t)
		origin.Set("/recipes", stubPage{status: http.StatusCreated, contentType: "application/json", body: `{"id":1}`})
		worker := startedWorker(t, storage, origin)
		app := newInterceptApp(t, worker)

		resp, body := doRequest(t, app, http.MethodPost, "/recipes", strings.NewReader(`{"title":"soup"}`))
		if resp.StatusCode != http.StatusCreated || body != `{"id":1}` {
			t.Fatalf("unexpected pass-through response: %d %s", resp.StatusCode, body)
		}
		if got := resp.Header.Get(CacheHeader); got != OutcomeBypass {
			t.Fatalf("expected bypass header, got %q", got)
		}
		if last := origin.Last("/recipes"); last.method != http.MethodPost || last.body != `{"title":"soup"}` {
			t.Fatalf("request not forwarded untouched: %+v", last)
		}

		worker.Flush()
		for _, key := range bucketKeys(t, worker) {
			if key.Method != http.MethodGet || strings.HasSuffix(key.URL, "/recipes") {
				t.Fatalf("non-GET request must not be stored, found %s", key)
			}
		}
	})
}

func TestAPIRequestsNeverTouchCache(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage cache.Storage) {
		origin := newOriginStub(t)
		origin.Set("/api/timers", stubPage{status: http.StatusOK, contentType: "application/json", body: `[]`})
		worker := startedWorker(t, storage, origin)
		app := newInterceptApp(t, worker)

		resp, body := doRequest(t, app, http.MethodGet, "/api/timers", nil)
		if resp.StatusCode != http.StatusOK || body != `[]` {
			t.Fatalf("unexpected api response: %d %s", resp.StatusCode, body)
		}
		if got := resp.Header.Get(CacheHeader); got != OutcomeBypass {
			t.Fatalf("expected bypass header, got %q", got)
		}

		worker.Flush()
		for _, key := range bucketKeys(t, worker) {
			if strings.Contains(key.URL, "/api/") {
				t.Fatalf("api response must not be stored, found %s", key)
			}
		}

		origin.Close()
		resp, body = doRequest(t, app, http.MethodGet, "/api/timers", nil)
		if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "upstream_failed") {
			t.Fatalf("offline api request must fail without cache fallback, got %d %s", resp.StatusCode, body)
		}
	})
}

func TestNetworkSuccessIsReturnedAndStored(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage cache.Storage) {
		origin := newOriginStub(t)
		origin.Set("/recipes/1.html", stubPage{status: http.StatusOK, contentType: "text/html", body: "<h1>Soup</h1>"})
		worker := startedWorker(t, storage, origin)
		app := newInterceptApp(t, worker)

		resp, body := doRequest(t, app, http.MethodGet, "/recipes/1.html?lang=en", nil)
		if resp.StatusCode != http.StatusOK || body != "<h1>Soup</h1>" {
			t.Fatalf("unexpected network response: %d %s", resp.StatusCode, body)
		}
		if got := resp.Header.Get(CacheHeader); got != OutcomeNetwork {
			t.Fatalf("expected network header, got %q", got)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("expected request id header")
		}

		worker.Flush()
		_, bucket, _ := worker.Active()
		stored, err := bucket.Match(context.Background(),
			cache.NewRequestKey(http.MethodGet, origin.URL()+"/recipes/1.html?lang=en"))
		if err != nil {
			t.Fatalf("network response not stored: %v", err)
		}
		if string(stored.Body) != body || stored.Status != http.StatusOK {
			t.Fatalf("stored entry differs from returned response: %d %s", stored.Status, stored.Body)
		}
		if stored.Header.Get("Content-Type") != "text/html" {
			t.Fatalf("stored headers lost: %v", stored.Header)
		}
	})
}

func TestNetworkFailureFallsBackToCache(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage cache.Storage) {
		origin := newOriginStub(t)
		origin.Set("/recipes/2.html", stubPage{status: http.StatusOK, contentType: "text/html", body: "<h1>Stew</h1>"})
		worker := startedWorker(t, storage, origin)
		app := newInterceptApp(t, worker)

		doRequest(t, app, http.MethodGet, "/recipes/2.html", nil)
		worker.Flush()
		origin.Close()

		resp, body := doRequest(t, app, http.MethodGet, "/recipes/2.html", nil)
		if resp.StatusCode != http.StatusOK || body != "<h1>Stew</h1>" {
			t.Fatalf("expected cached page while offline, got %d %s", resp.StatusCode, body)
		}
		if got := resp.Header.Get(CacheHeader); got != OutcomeFallback {
			t.Fatalf("expected fallback header, got %q", got)
		}
		if resp.Header.Get("Content-Type") != "text/html" {
			t.Fatalf("expected stored content type, got %q", resp.Header.Get("Content-Type"))
		}

		resp, body = doRequest(t, app, http.MethodGet, "/index.html", nil)
		if resp.StatusCode != http.StatusOK || body != "<html>index</html>" {
			t.Fatalf("expected precached index while offline, got %d %s", resp.StatusCode, body)
		}
	})
}

func TestNetworkFailureWithoutEntryFails(t *testing.T) {
	forEachDriver(t, func(t *testing.T, storage cache.Storage) {
		origin := newOriginStub(t)
		worker := startedWorker(t, storage, origin)
		app := newInterceptApp(t, worker)
		origin.Close()

		resp, body := doRequest(t, app, http.MethodGet, "/never-seen.html", nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("expected 502 for offline miss, got %d", resp.StatusCode)
		}
		if !strings.Contains(body, "offline_cache_miss") {
			t.Fatalf("expected offline_cache_miss body, got %s", body)
		}
	})
}

func TestFallbackSearchesOtherBuckets(t *testing.T) {
	storage := newTestStorage(t, cache.DriverSQLite)
	origin := newOriginStub(t)
	worker := startedWorker(t, storage, origin)
	app := newInterceptApp(t, worker)

	ctx := context.Background()
	other, err := storage.Open(ctx, "manual")
	if err != nil {
		t.Fatalf("open manual bucket: %v", err)
	}
	key := cache.NewRequestKey(http.MethodGet, origin.URL()+"/offline.html")
	resp := cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("offline page")}
	if err := other.Put(ctx, key, resp); err != nil {
		t.Fatalf("seed manual bucket: %v", err)
	}
	origin.Close()

	got, body := doRequest(t, app, http.MethodGet, "/offline.html", nil)
	if got.StatusCode != http.StatusOK || body != "offline page" {
		t.Fatalf("expected match from non-active bucket, got %d %s", got.StatusCode, body)
	}
}

func TestNonSuccessNetworkResponseIsStored(t *testing.T) {
	storage := newTestStorage(t, cache.DriverFS)
	origin := newOriginStub(t)
	worker := startedWorker(t, storage, origin)
	app := newInterceptApp(t, worker)

	resp, _ := doRequest(t, app, http.MethodGet, "/missing.html", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected origin 404 to be returned, got %d", resp.StatusCode)
	}
	worker.Flush()
	origin.Close()

	resp, _ = doRequest(t, app, http.MethodGet, "/missing.html", nil)
	if resp.StatusCode != http.StatusNotFound || resp.Header.Get(CacheHeader) != OutcomeFallback {
		t.Fatalf("expected stored 404 while offline, got %d %q", resp.StatusCode, resp.Header.Get(CacheHeader))
	}
}

func TestPartialContentIsReturnedButNotStored(t *testing.T) {
	storage := newTestStorage(t, cache.DriverFS)
	origin := newOriginStub(t)
	origin.Set("/video.mp4", stubPage{status: http.StatusPartialContent, contentType: "video/mp4", body: "chunk"})
	worker := startedWorker(t, storage, origin)
	app := newInterceptApp(t, worker)

	resp, body := doRequest(t, app, http.MethodGet, "/video.mp4", nil)
	if resp.StatusCode != http.StatusPartialContent || body != "chunk" {
		t.Fatalf("expected 206 to reach the client, got %d %s", resp.StatusCode, body)
	}
	worker.Flush()

	_, bucket, _ := worker.Active()
	_, err := bucket.Match(context.Background(), cache.NewRequestKey(http.MethodGet, origin.URL()+"/video.mp4"))
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("206 responses must not be stored, got %v", err)
	}
}

func TestNoActiveVersionPassesThrough(t *testing.T) {
	storage := newTestStorage(t, cache.DriverFS)
	origin := newOriginStub(t)
	worker := newTestWorker(t, storage, origin.URL(), "kitchen-assistant-v2")
	app := newInterceptApp(t, worker)

	resp, body := doRequest(t, app, http.MethodGet, "/index.html", nil)
	if resp.StatusCode != http.StatusOK || body != "<html>index</html>" {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(CacheHeader); got != OutcomeBypass {
		t.Fatalf("uncontrolled requests must bypass, got %q", got)
	}
	names, _ := storage.Keys(context.Background())
	if len(names) != 0 {
		t.Fatalf("no bucket should be created before install, got %v", names)
	}
}

func TestDecide(t *testing.T) {
	storage := newTestStorage(t, cache.DriverFS)
	origin := newOriginStub(t)
	worker := newTestWorker(t, storage, origin.URL(), "v1")

	if d := worker.decide(http.MethodGet, origin.URL()+"/"); d.mode != modePassThrough || d.reason != reasonInactive {
		t.Fatalf("expected pass-through before activation, got %+v", d)
	}
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	cases := []struct {
		method string
		path   string
		mode   interceptMode
		reason string
	}{
		{http.MethodGet, "/", modeNetworkFirst, ""},
		{http.MethodGet, "/recipes?q=" + config.APIMarker, modePassThrough, reasonBypass},
		{http.MethodGet, "/api/health", modePassThrough, reasonBypass},
		{http.MethodHead, "/", modePassThrough, reasonMethod},
		{http.MethodPut, "/index.html", modePassThrough, reasonMethod},
	}
	for _, tc := range cases {
		d := worker.decide(tc.method, origin.URL()+tc.path)
		if d.mode != tc.mode || d.reason != tc.reason {
			t.Fatalf("%s %s: expected mode=%d reason=%q, got %+v", tc.method, tc.path, tc.mode, tc.reason, d)
		}
		if d.mode == modeNetworkFirst && (d.bucket == nil || d.cacheName != "v1") {
			t.Fatalf("network-first decision must carry the active bucket: %+v", d)
		}
	}
}

package engine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/eplnewshub/newshub-edge/internal/cache"
)

const testOrigin = "https://www.eplnewshub.com"

var errNetworkDown = errors.New("network down")

type fakeRoute struct {
	status int
	body   string
	header http.Header
	err    error
	delay  time.Duration
}

// fakeFetcher 按 URL 路径返回预设响应，并统计每个路径的调用次数。
type fakeFetcher struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: make(map[string]fakeRoute), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(path string, route fakeRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if route.status == 0 && route.err == nil {
		route.status = http.StatusOK
	}
	f.routes[path] = route
}

func (f *fakeFetcher) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls[req.URL.Path]++
	route, ok := f.routes[req.URL.Path]
	f.mu.Unlock()

	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	if route.delay > 0 {
		select {
		case <-time.After(route.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if route.err != nil {
		return nil, route.err
	}
	header := route.header.Clone()
	if header == nil {
		header = http.Header{"Content-Type": []string{"text/plain"}}
	}
	return &Response{Status: route.status, Header: header, Body: []byte(route.body)}, nil
}

func testOptions(storage cache.Storage, fetcher Fetcher) Options {
	origin, _ := url.Parse(testOrigin)
	return Options{
		Storage:              storage,
		Fetcher:              fetcher,
		Origin:               origin,
		StaticCache:          "epl-news-v1",
		RuntimeCache:         "epl-runtime-v1",
		Manifest:             []string{"/", "/optimized-styles.css"},
		StaticExtensions:     []string{"js", "css", "png", "jpg", "jpeg", "gif", "svg", "webp", "woff", "woff2"},
		ImageExtensions:      []string{"png", "jpg", "jpeg", "gif", "svg", "webp"},
		NetworkTimeout:       50 * time.Millisecond,
		WriteTimeout:         time.Second,
		ImageCacheMaxEntries: 50,
	}
}

func newTestEngine(t *testing.T, fetcher *fakeFetcher, mutate func(*Options)) (*Engine, cache.Storage) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	opts := testOptions(storage, fetcher)
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, storage
}

// activeEngine 返回已完成安装与激活的引擎，清单内容由 fetcher 预先提供。
func activeEngine(t *testing.T, fetcher *fakeFetcher, mutate func(*Options)) (*Engine, cache.Storage) {
	t.Helper()
	fetcher.set("/", fakeRoute{body: "<html>home</html>", header: http.Header{"Content-Type": []string{"text/html"}}})
	fetcher.set("/optimized-styles.css", fakeRoute{body: "body{}", header: http.Header{"Content-Type": []string{"text/css"}}})
	eng, storage := newTestEngine(t, fetcher, mutate)
	if err := eng.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := eng.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return eng, storage
}

func newRequest(t *testing.T, method, rawURL, accept string) *Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	header := http.Header{}
	if accept != "" {
		header.Set("Accept", accept)
	}
	return &Request{Method: method, URL: u, Header: header}
}

func putEntry(t *testing.T, storage cache.Storage, namespace, rawURL, body string) {
	t.Helper()
	ns, err := storage.Open(context.Background(), namespace)
	if err != nil {
		t.Fatalf("open %s: %v", namespace, err)
	}
	u, _ := url.Parse(rawURL)
	entry := &cache.Entry{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
	if err := ns.Put(context.Background(), cache.NewKey(http.MethodGet, u), entry); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func matchEntry(t *testing.T, storage cache.Storage, namespace, rawURL string) (*cache.Entry, bool) {
	t.Helper()
	ok, err := storage.Has(context.Background(), namespace)
	if err != nil || !ok {
		return nil, false
	}
	ns, _ := storage.Open(context.Background(), namespace)
	u, _ := url.Parse(rawURL)
	entry, err := ns.Match(context.Background(), cache.NewKey(http.MethodGet, u))
	if err != nil {
		return nil, false
	}
	return entry, true
}

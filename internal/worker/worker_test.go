package worker

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// stubNetwork 按 URL 返回预设响应，并记录访问次数。
type stubNetwork struct {
	mu       sync.Mutex
	status   map[string]int
	failures map[string]error
	bodies   map[string]string
	offline  bool
	calls    map[string]int
	reloads  map[string]bool
	headers  map[string]http.Header
	sent     map[string]http.Header
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{
		status:   map[string]int{},
		failures: map[string]error{},
		bodies:   map[string]string{},
		calls:    map[string]int{},
		reloads:  map[string]bool{},
		headers:  map[string]http.Header{},
		sent:     map[string]http.Header{},
	}
}

var errOffline = errors.New("network unreachable")

func (n *stubNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL]++
	n.reloads[req.URL] = req.Reload
	n.sent[req.URL] = req.Header.Clone()
	if n.offline {
		return nil, errOffline
	}
	if err := n.failures[req.URL]; err != nil {
		return nil, err
	}
	status := http.StatusOK
	if code, ok := n.status[req.URL]; ok {
		status = code
	}
	body := "body:" + req.URL
	if custom, ok := n.bodies[req.URL]; ok {
		body = custom
	}
	header := http.Header{}
	if custom, ok := n.headers[req.URL]; ok {
		header = custom.Clone()
	}
	return &cache.Response{URL: req.URL, Status: status, Header: header, Body: []byte(body)}, nil
}

func (n *stubNetwork) sentHeader(url string) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[url]
}

func (n *stubNetwork) callCount(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func testBundle(resources manifest.Manifest, shell ...string) manifest.Bundle {
	return manifest.Bundle{Resources: resources, Shell: shell}
}

func defaultBundle() manifest.Bundle {
	return testBundle(manifest.Manifest{
		"/":            "r1",
		"index.html":   "r1",
		"main.dart.js": "m1",
		"flutter.js":   "f1",
		"assets/a.png": "a1",
	}, "main.dart.js", "index.html")
}

func newTestWorker(t *testing.T, store cache.Store, network Network, bundle manifest.Bundle) *Worker {
	t.Helper()
	w, err := New(Options{
		Origin:             testOrigin + "/",
		Bundle:             bundle,
		Store:              store,
		Network:            network,
		InstallConcurrency: 2,
		AutoSkipWaiting:    true,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return w
}

func partitionKeys(t *testing.T, store cache.Store, name string) []string {
	t.Helper()
	ctx := context.Background()
	exists, err := store.Has(ctx, name)
	if err != nil {
		t.Fatalf("Has error: %v", err)
	}
	if !exists {
		return nil
	}
	partition, err := store.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	keys, err := partition.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	return keys
}

func installAndActivate(t *testing.T, w *Worker) ActivationReport {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install error: %v", err)
	}
	return w.Activate(context.Background())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Origin: testOrigin, Bundle: defaultBundle(), Network: newStubNetwork()})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions without store, got %v", err)
	}
	_, err = New(Options{
		Origin:  testOrigin,
		Bundle:  testBundle(manifest.Manifest{"/": "r"}, "missing.js"),
		Store:   cache.NewMemoryStore(),
		Network: newStubNetwork(),
	})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for unknown shell key, got %v", err)
	}
}

func TestInstallStoresShellInTemp(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install error: %v", err)
	}
	want := []string{testOrigin + "/index.html", testOrigin + "/main.dart.js"}
	if got := partitionKeys(t, store, DefaultTempPartition); !reflect.DeepEqual(got, want) {
		t.Fatalf("temp keys = %v, want %v", got, want)
	}
	if !network.reloads[testOrigin+"/main.dart.js"] {
		t.Fatalf("install must bypass http caches")
	}
	if w.State() != StateInstalled || !w.SkipWaitingRequested() {
		t.Fatalf("unexpected state %s skip=%v", w.State(), w.SkipWaitingRequested())
	}
}

func TestInstallFailsWhenAnyShellResourceFails(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	network.status[testOrigin+"/index.html"] = http.StatusNotFound
	w := newTestWorker(t, store, network, defaultBundle())

	err := w.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if keys := partitionKeys(t, store, DefaultTempPartition); len(keys) != 0 {
		t.Fatalf("temp must stay empty, got %v", keys)
	}
	if w.State() != StateRedundant {
		t.Fatalf("expected redundant, got %s", w.State())
	}
}

func TestFreshInstallActivation(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	content, _ := store.Open(ctx, DefaultContentPartition)
	_ = content.Put(ctx, testOrigin+"/leftover.js", &cache.Response{URL: testOrigin + "/leftover.js", Status: 200})

	w := newTestWorker(t, store, newStubNetwork(), defaultBundle())
	report := installAndActivate(t, w)

	if report.State != FreshInstall {
		t.Fatalf("expected fresh install, got %s (%s)", report.State, report.Error)
	}
	want := []string{testOrigin + "/index.html", testOrigin + "/main.dart.js"}
	if got := partitionKeys(t, store, DefaultContentPartition); !reflect.DeepEqual(got, want) {
		t.Fatalf("content keys = %v, want %v", got, want)
	}
	if exists, _ := store.Has(ctx, DefaultTempPartition); exists {
		t.Fatalf("temp partition must be dropped")
	}
	prior, err := w.PriorManifest(ctx)
	if err != nil {
		t.Fatalf("PriorManifest error: %v", err)
	}
	if !prior.Equal(defaultBundle().Resources) {
		t.Fatalf("persisted manifest mismatch: %v", prior)
	}
	if w.State() != StateActivated || !w.Claimed() {
		t.Fatalf("worker should be activated and claimed")
	}
}

func TestUpgradeKeepsUnchangedResources(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	ctx := context.Background()

	first := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, first)
	for _, key := range []string{"flutter.js", "assets/a.png"} {
		if _, err := first.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/" + key}); err != nil {
			t.Fatalf("Fetch %s error: %v", key, err)
		}
	}

	next := defaultBundle()
	next.Resources = manifest.Manifest{
		"/":            "r2",
		"index.html":   "r2",
		"main.dart.js": "m2",
		"flutter.js":   "f1",
	}
	network.bodies[testOrigin+"/main.dart.js"] = "main v2"
	second := newTestWorker(t, store, network, next)
	report := installAndActivate(t, second)

	if report.State != Upgrade {
		t.Fatalf("expected upgrade, got %s (%s)", report.State, report.Error)
	}
	if !reflect.DeepEqual(report.Evicted, []string{"assets/a.png", "index.html", "main.dart.js"}) {
		t.Fatalf("evicted = %v", report.Evicted)
	}
	want := []string{testOrigin + "/flutter.js", testOrigin + "/index.html", testOrigin + "/main.dart.js"}
	if got := partitionKeys(t, store, DefaultContentPartition); !reflect.DeepEqual(got, want) {
		t.Fatalf("content keys = %v, want %v", got, want)
	}
	content, _ := store.Open(ctx, DefaultContentPartition)
	resp, err := content.Match(ctx, testOrigin+"/main.dart.js")
	if err != nil || string(resp.Body) != "main v2" {
		t.Fatalf("main.dart.js should hold the new build, got %v %v", resp, err)
	}
	if network.callCount(testOrigin+"/flutter.js") != 1 {
		t.Fatalf("unchanged flutter.js must not be refetched")
	}
}

func TestActivationFailureResetsPartitions(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	manifestPartition, _ := store.Open(ctx, DefaultManifestPartition)
	_ = manifestPartition.Put(ctx, testOrigin+"/manifest", &cache.Response{
		URL:    testOrigin + "/manifest",
		Status: 200,
		Body:   []byte("{not json"),
	})
	content, _ := store.Open(ctx, DefaultContentPartition)
	_ = content.Put(ctx, testOrigin+"/flutter.js", &cache.Response{URL: testOrigin + "/flutter.js", Status: 200})

	w := newTestWorker(t, store, newStubNetwork(), defaultBundle())
	report := installAndActivate(t, w)

	if report.State != Failed || report.Error == "" {
		t.Fatalf("expected failed activation, got %+v", report)
	}
	for _, name := range DefaultPartitions().Names() {
		if exists, _ := store.Has(ctx, name); exists {
			t.Fatalf("partition %s should be reset", name)
		}
	}
	if w.State() != StateActivated {
		t.Fatalf("worker still activates after failure, got %s", w.State())
	}

	// 冷缓存下仍可正常服务。
	result, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/flutter.js"})
	if err != nil || result.CacheHit || !result.Response.OK() {
		t.Fatalf("unexpected fetch result %+v err=%v", result, err)
	}
}

func TestFetchCacheFirst(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)
	ctx := context.Background()
	url := testOrigin + "/flutter.js"

	first, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !first.Intercepted || first.CacheHit || first.Policy != PolicyCacheFirst {
		t.Fatalf("unexpected first result %+v", first)
	}

	network.setOffline(true)
	second, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url + "?v=42"})
	if err == nil {
		t.Fatalf("versioned url is a separate cache entry, expected network error")
	}
	second, err = w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
	if err != nil || !second.CacheHit || string(second.Response.Body) != "body:"+url {
		t.Fatalf("expected cache hit, got %+v err=%v", second, err)
	}
	if network.callCount(url) != 1 {
		t.Fatalf("cache hit must not touch the network")
	}
}

func TestFetchDoesNotCacheErrorResponses(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)
	ctx := context.Background()
	url := testOrigin + "/assets/a.png"
	network.status[url] = http.StatusServiceUnavailable

	result, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
	if err != nil || result.Response.Status != http.StatusServiceUnavailable {
		t.Fatalf("error responses are returned as-is, got %+v err=%v", result, err)
	}
	for _, key := range partitionKeys(t, store, DefaultContentPartition) {
		if key == url {
			t.Fatalf("non-2xx response must not be cached")
		}
	}
}

func TestFetchFillDropsRangeConditionalsAndCredentials(t *testing.T) {
	network := newStubNetwork()
	w := newTestWorker(t, cache.NewMemoryStore(), network, defaultBundle())
	installAndActivate(t, w)
	url := testOrigin + "/flutter.js"

	header := http.Header{}
	header.Set("Range", "bytes=0-3")
	header.Set("If-None-Match", `"v1"`)
	header.Set("Cookie", "session=alice")
	header.Set("Authorization", "Bearer alice")
	header.Set("Accept", "application/javascript")
	if _, err := w.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: url, Header: header}); err != nil {
		t.Fatalf("Fetch error: %v", err)
	}

	sent := network.sentHeader(url)
	for _, key := range []string{"Range", "If-None-Match", "Cookie", "Authorization"} {
		if sent.Get(key) != "" {
			t.Fatalf("%s must not reach the fill request, sent %v", key, sent)
		}
	}
	if sent.Get("Accept") != "application/javascript" {
		t.Fatalf("ordinary headers should be forwarded, sent %v", sent)
	}
	if header.Get("Range") == "" {
		t.Fatalf("caller header must not be mutated")
	}
}

func TestFetchDoesNotCachePartialOrPrivateResponses(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)
	ctx := context.Background()

	partial := testOrigin + "/flutter.js"
	network.status[partial] = http.StatusPartialContent
	network.bodies[partial] = "0123"
	private := testOrigin + "/assets/a.png"
	network.headers[private] = http.Header{"Cache-Control": {"private, max-age=60"}}
	varyAll := testOrigin + "/"
	network.headers[varyAll] = http.Header{"Vary": {"*"}}

	for _, url := range []string{partial, private, varyAll} {
		result, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
		if err != nil || result.Response == nil {
			t.Fatalf("Fetch %s: %+v %v", url, result, err)
		}
	}
	for _, key := range partitionKeys(t, store, DefaultContentPartition) {
		switch key {
		case partial, private, varyAll:
			t.Fatalf("partial, private and Vary: * responses must stay out of CONTENT, got %s", key)
		}
	}
}

func TestFetchStoredEntryOmitsSetCookie(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)
	ctx := context.Background()
	url := testOrigin + "/flutter.js"
	network.headers[url] = http.Header{
		"Set-Cookie":   {"session=alice-secret"},
		"Content-Type": {"application/javascript"},
	}

	first, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if first.Response.Header.Get("Set-Cookie") == "" {
		t.Fatalf("the response of the filling request belongs to its caller and keeps Set-Cookie")
	}

	content, _ := store.Open(ctx, DefaultContentPartition)
	stored, err := content.Match(ctx, url)
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	if stored.Header.Get("Set-Cookie") != "" {
		t.Fatalf("Set-Cookie must not be stored, got %v", stored.Header)
	}
	if stored.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("Content-Type should be stored, got %v", stored.Header)
	}

	second, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: url})
	if err != nil || !second.CacheHit || second.Response.Header.Get("Set-Cookie") != "" {
		t.Fatalf("cache hit must not replay Set-Cookie: %+v %v", second, err)
	}
}

func TestInstallRejectsPartialShellResponse(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	network.status[testOrigin+"/index.html"] = http.StatusPartialContent
	w := newTestWorker(t, store, network, defaultBundle())

	if err := w.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if got := partitionKeys(t, store, DefaultTempPartition); len(got) != 0 {
		t.Fatalf("TEMP should stay empty, got %v", got)
	}
}

func TestFetchPassthrough(t *testing.T) {
	network := newStubNetwork()
	w := newTestWorker(t, cache.NewMemoryStore(), network, defaultBundle())
	installAndActivate(t, w)
	ctx := context.Background()

	cases := []*Request{
		{Method: http.MethodGet, URL: testOrigin + "/api/user"},
		{Method: http.MethodPost, URL: testOrigin + "/main.dart.js"},
		{Method: http.MethodGet, URL: "https://cdn.example.net/main.dart.js"},
	}
	for _, req := range cases {
		result, err := w.Fetch(ctx, req)
		if err != nil || result.Intercepted || result.Policy != PolicyPassthrough {
			t.Fatalf("%s %s should pass through, got %+v err=%v", req.Method, req.URL, result, err)
		}
		if network.callCount(req.URL) != 0 {
			t.Fatalf("passthrough requests are forwarded by the caller")
		}
	}
}

func TestOnlineFirstForRoot(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)
	ctx := context.Background()

	live, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/"})
	if err != nil || live.CacheHit || live.Policy != PolicyOnlineFirst {
		t.Fatalf("unexpected live result %+v err=%v", live, err)
	}
	if _, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/"}); err != nil {
		t.Fatalf("second live fetch error: %v", err)
	}
	if network.callCount(testOrigin+"/") != 2 {
		t.Fatalf("root document always goes to the network first")
	}

	network.setOffline(true)
	fallback, err := w.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/"})
	if err != nil || !fallback.CacheHit {
		t.Fatalf("expected cached fallback, got %+v err=%v", fallback, err)
	}
	if fallback.Response.URL != testOrigin+"/" {
		t.Fatalf("fallback served %s", fallback.Response.URL)
	}

	_, policy := w.Route(&Request{Method: http.MethodGet, URL: testOrigin + "/#/home"})
	if policy != PolicyOnlineFirst {
		t.Fatalf("fragment navigation maps to the root document, got %s", policy)
	}
}

func TestOnlineFirstReturnsNetworkErrorWhenUncached(t *testing.T) {
	network := newStubNetwork()
	w := newTestWorker(t, cache.NewMemoryStore(), network, defaultBundle())
	installAndActivate(t, w)
	network.setOffline(true)

	result, err := w.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: testOrigin + "/"})
	if !errors.Is(err, errOffline) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !result.Intercepted || result.Key != "/" {
		t.Fatalf("result should still describe the request: %+v", result)
	}
}

func TestDownloadOfflineFetchesOnlyMissing(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)

	result, err := w.HandleMessage(context.Background(), MessageDownloadOffline)
	if err != nil || !result.Handled {
		t.Fatalf("downloadOffline failed: %+v %v", result, err)
	}
	if !reflect.DeepEqual(result.Downloaded, []string{"/", "assets/a.png", "flutter.js"}) {
		t.Fatalf("downloaded = %v", result.Downloaded)
	}
	if network.callCount(testOrigin+"/main.dart.js") != 1 {
		t.Fatalf("shell resources were already cached")
	}
	if got := len(partitionKeys(t, store, DefaultContentPartition)); got != 5 {
		t.Fatalf("expected every resource cached, got %d", got)
	}

	again, err := w.DownloadOffline(context.Background())
	if err != nil || len(again) != 0 {
		t.Fatalf("second download should be a no-op, got %v %v", again, err)
	}
}

func TestDownloadOfflineIsAllOrNothing(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	w := newTestWorker(t, store, network, defaultBundle())
	installAndActivate(t, w)
	network.status[testOrigin+"/flutter.js"] = http.StatusInternalServerError

	if _, err := w.DownloadOffline(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if got := len(partitionKeys(t, store, DefaultContentPartition)); got != 2 {
		t.Fatalf("failed download must not add entries, got %d", got)
	}
}

func TestHandleMessageIgnoresUnknown(t *testing.T) {
	w := newTestWorker(t, cache.NewMemoryStore(), newStubNetwork(), defaultBundle())
	result, err := w.HandleMessage(context.Background(), "refresh")
	if err != nil || result.Handled {
		t.Fatalf("unknown messages are ignored, got %+v %v", result, err)
	}
}

func TestUpgradeScenarioKeepsEvictsAndAdds(t *testing.T) {
	store := cache.NewMemoryStore()
	network := newStubNetwork()
	ctx := context.Background()

	network.bodies[testOrigin+"/index.html"] = "index v1"
	first := newTestWorker(t, store, network, testBundle(manifest.Manifest{
		"/":          "r1",
		"index.html": "i1",
		"a.js":       "h1",
		"b.js":       "h2",
	}, "index.html"))
	installAndActivate(t, first)
	for _, key := range []string{"a.js", "b.js"} {
		if _, err := first.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/" + key}); err != nil {
			t.Fatalf("Fetch %s: %v", key, err)
		}
	}

	// index.html 指纹不变，但作为 shell 仍会被 TEMP 中的新副本覆盖。
	network.bodies[testOrigin+"/index.html"] = "index v2"
	second := newTestWorker(t, store, network, testBundle(manifest.Manifest{
		"/":          "r1",
		"index.html": "i1",
		"a.js":       "h1",
		"c.js":       "h3",
	}, "index.html"))
	report := installAndActivate(t, second)

	if !reflect.DeepEqual(report.Evicted, []string{"b.js"}) {
		t.Fatalf("evicted = %v", report.Evicted)
	}
	want := []string{testOrigin + "/a.js", testOrigin + "/index.html"}
	if got := partitionKeys(t, store, DefaultContentPartition); !reflect.DeepEqual(got, want) {
		t.Fatalf("content keys = %v, want %v", got, want)
	}
	content, _ := store.Open(ctx, DefaultContentPartition)
	index, err := content.Match(ctx, testOrigin+"/index.html")
	if err != nil || string(index.Body) != "index v2" {
		t.Fatalf("shell entry should be overwritten from TEMP, got %v %v", index, err)
	}

	result, err := second.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/c.js"})
	if err != nil || result.CacheHit {
		t.Fatalf("c.js should be fetched lazily: %+v %v", result, err)
	}
	result, err = second.Fetch(ctx, &Request{Method: http.MethodGet, URL: testOrigin + "/a.js"})
	if err != nil || !result.CacheHit {
		t.Fatalf("a.js should survive the upgrade: %+v %v", result, err)
	}
	if network.callCount(testOrigin+"/a.js") != 1 {
		t.Fatalf("kept entries must not be refetched")
	}

	stored, err := second.PriorManifest(ctx)
	if err != nil || !stored.Equal(second.Resources()) {
		t.Fatalf("stored manifest should equal the active one: %v %v", stored, err)
	}
}

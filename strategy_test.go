package offlinecache

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/freshness"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const teamsPath = "/api/v3/event/2024casj/teams"

// cachedAPIResponse returns the stored API response for the path, or nil.
func (env *testEnv) cachedAPIResponse(t *testing.T, path string) *serializer.Response {
	t.Helper()
	tier, ok, err := env.cache.Lookup("api-v3")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return nil
	}
	entry, ok, err := tier.Get("GET:" + env.apiURL + path)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return nil
	}
	res, err := serializer.FromBytes(entry.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestAPIResponseIsStampedAndStored(t *testing.T) {
	env := newTestEnv(t)

	res := env.get(t, env.apiURL+teamsPath)
	if body := readBody(t, res); body != `[{"team_number":254}]` {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=request; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	cached := env.cachedAPIResponse(t, teamsPath)
	if cached == nil {
		t.Fatal("Response not stored")
	}
	storedAt, ok := freshness.StoredAt(cached)
	if !ok {
		t.Fatalf("Stored response not stamped: %+v", cached.Header)
	}
	if storedAt.After(env.clock.Now()) {
		t.Fatalf("Stored at %s, after now", storedAt)
	}
	if !storedAt.Equal(env.clock.Now()) {
		t.Fatalf("Stored at %s, expected %s", storedAt, env.clock.Now())
	}
}

func TestAPIInjectedHeaderWins(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest("GET", env.apiURL+teamsPath, nil)
	req.Header.Set(authHeader, "from-client")
	res := env.serve(req)
	if seen := res.Header.Get("Seen-" + authHeader); seen != "secret" {
		t.Fatalf("Origin saw %s", seen)
	}
}

func TestAPIFallbackWithinTTL(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, env.apiURL+teamsPath)

	env.clock.Advance(23 * time.Hour)
	env.network.offline.Store(true)

	res := env.get(t, env.apiURL+teamsPath)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status code is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != `[{"team_number":254}]` {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "OfflineCache; hit; ttl=3600; detail=stale" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if age := res.Header.Get("Age"); age != "82800" {
		t.Fatalf("Age is %s", age)
	}
}

func TestAPIFallbackAtTTLBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, env.apiURL+teamsPath)
	env.network.offline.Store(true)

	env.clock.Advance(freshness.DefaultTTL - time.Millisecond)
	if res := env.get(t, env.apiURL+teamsPath); res.StatusCode != http.StatusOK {
		t.Fatalf("Status code before TTL is %d", res.StatusCode)
	}

	env.clock.Advance(time.Millisecond)
	res := env.get(t, env.apiURL+teamsPath)
	if body := readBody(t, res); body != `{"error":"Offline","message":"Cached data unavailable"}` {
		t.Fatalf("Body at TTL is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=stale; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestAPIOfflineWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	env.network.offline.Store(true)

	res := env.get(t, env.apiURL+teamsPath)
	// the page reads the error payload, the request itself does not fail
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status code is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if body := readBody(t, res); body != `{"error":"Offline","message":"Cached data unavailable"}` {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=uri-miss; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	// a failed request does not create the api tier
	if names, _ := env.cache.TierNames(); len(names) != 0 {
		t.Fatalf("Tiers after failed request are %v", names)
	}
}

func TestAPIErrorStatusFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, env.apiURL+teamsPath)

	env.api.setCode(teamsPath, http.StatusInternalServerError)
	env.api.set(teamsPath, "oops")
	res := env.get(t, env.apiURL+teamsPath)
	if body := readBody(t, res); body != `[{"team_number":254}]` {
		t.Fatalf("Body is %s", body)
	}

	// the error response never replaces the stored one
	if cached := env.cachedAPIResponse(t, teamsPath); string(cached.Body) != `[{"team_number":254}]` {
		t.Fatalf("Stored body is %s", cached.Body)
	}
}

func TestAPIErrorStatusWithoutCache(t *testing.T) {
	env := newTestEnv(t)
	env.api.setCode(teamsPath, http.StatusNotFound)

	res := env.get(t, env.apiURL+teamsPath)
	if cs := res.Header.Get(cachestatus.HeaderName); cs != "OfflineCache; fwd=uri-miss; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if body := readBody(t, res); body != `{"error":"Offline","message":"Cached data unavailable"}` {
		t.Fatalf("Body is %s", body)
	}
}

func TestConcurrentAPIRequests(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	codes := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- env.get(t, env.apiURL+teamsPath).StatusCode
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("Status code is %d", code)
		}
	}

	tier, _ := env.cache.Open("api-v3")
	keys, _ := tier.Keys()
	if len(keys) != 1 {
		t.Fatalf("Keys are %v", keys)
	}
	if cached := env.cachedAPIResponse(t, teamsPath); string(cached.Body) != `[{"team_number":254}]` {
		t.Fatalf("Stored body is %s", cached.Body)
	}
}

func TestAPIQueryIsPartOfKey(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, env.apiURL+teamsPath+"?page=1")
	env.get(t, env.apiURL+teamsPath+"?page=2")

	tier, _ := env.cache.Open("api-v3")
	keys, _ := tier.Keys()
	if len(keys) != 2 || !strings.HasSuffix(keys[0], "?page=1") {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestContentChanged(t *testing.T) {
	res := func(etag, body string) *serializer.Response {
		r := &serializer.Response{Header: http.Header{}, Body: []byte(body)}
		if etag != "" {
			r.Header.Set("ETag", etag)
		}
		return r
	}
	old := res("", "a")
	if contentChanged("", old.Checksum(), res("", "a")) {
		t.Fatal("Same body should be unchanged")
	}
	if !contentChanged("", old.Checksum(), res("", "b")) {
		t.Fatal("Different body should be changed")
	}
	if contentChanged(`"1"`, old.Checksum(), res(`"1"`, "b")) {
		t.Fatal("Same etag should be unchanged")
	}
	if !contentChanged(`"1"`, old.Checksum(), res(`"2"`, "a")) {
		t.Fatal("Different etag should be changed")
	}
	if !contentChanged("", old.Checksum(), res(`"1"`, "a")) {
		t.Fatal("New etag should be changed")
	}
}

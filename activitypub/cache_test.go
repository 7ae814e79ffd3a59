package activitypub

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func actorJSON(uri, inbox, pem string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": %q,
		"type": "Person",
		"preferredUsername": "someone",
		"inbox": %q,
		"publicKey": {"id": %q, "owner": %q, "publicKeyPem": %q}
	}`, uri, inbox, uri+"#main-key", uri, pem)
}

func TestFetchCachesActor(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, actorJSON("https://remote.example/users/dan", "https://remote.example/users/dan/inbox", "PEM"))
	}))
	defer srv.Close()

	cache := newActorCache(srv.Client(), time.Hour, 10)

	first, err := cache.Fetch(srv.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if first.Inbox != "https://remote.example/users/dan/inbox" {
		t.Errorf("Unexpected inbox: %s", first.Inbox)
	}

	second, err := cache.Fetch(srv.URL)
	if err != nil {
		t.Fatalf("Cached fetch failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Cached record differs from original")
	}

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 remote hit, got %d", hits)
	}
}

func TestFetchRefetchesAfterTTL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, actorJSON("https://remote.example/users/dan", "https://remote.example/inbox", "PEM"))
	}))
	defer srv.Close()

	cache := newActorCache(srv.Client(), 10*time.Millisecond, 10)

	if _, err := cache.Fetch(srv.URL); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := cache.Fetch(srv.URL); err != nil {
		t.Fatalf("Fetch after expiry failed: %v", err)
	}

	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected refetch after TTL, got %d hits", hits)
	}
}

func TestFetchEvictsOldestWhenFull(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		uri := "https://remote.example" + r.URL.Path
		fmt.Fprint(w, actorJSON(uri, uri+"/inbox", "PEM"))
	}))
	defer srv.Close()

	cache := newActorCache(srv.Client(), time.Hour, 2)

	urls := []string{srv.URL + "/users/a", srv.URL + "/users/b", srv.URL + "/users/c"}
	for _, u := range urls {
		if _, err := cache.Fetch(u); err != nil {
			t.Fatalf("Fetch %s failed: %v", u, err)
		}
	}

	// /users/a was stored first and must have been evicted by /users/c.
	if _, err := cache.Fetch(urls[0]); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}

	if atomic.LoadInt32(&hits) != 4 {
		t.Errorf("Expected 4 remote hits (3 fills + 1 refetch), got %d", hits)
	}

	if len(cache.entries) > 2 {
		t.Errorf("Cache exceeded capacity: %d entries", len(cache.entries))
	}
}

func TestFetchErrorNotCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := newActorCache(srv.Client(), time.Hour, 10)

	for i := 0; i < 2; i++ {
		_, err := cache.Fetch(srv.URL)
		if err == nil {
			t.Fatal("Expected fetch error")
		}
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("Expected *FetchError, got %T", err)
		}
	}

	// Both attempts must have gone to the network.
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Negative result was cached: %d hits", hits)
	}
}

func TestFetchRejectsIncompleteActor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "https://remote.example/users/dan", "type": "Person"}`)
	}))
	defer srv.Close()

	cache := newActorCache(srv.Client(), time.Hour, 10)

	if _, err := cache.Fetch(srv.URL); err == nil {
		t.Error("Expected error for actor document without inbox and key")
	}
}

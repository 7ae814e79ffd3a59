package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pangolin-social/pangolin/domain"
)

const (
	// How long a cached actor document stays valid. A remote key rotation
	// inside this window goes unnoticed until the entry expires.
	actorCacheTTL = time.Hour

	// Bounded entry count; the oldest entry is evicted when full.
	actorCacheMax = 1000
)

// FetchError wraps any network or parse failure while dereferencing a
// remote actor. Failed fetches are never cached.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch actor %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// actorDocument is the wire shape of a remote ActivityPub actor.
type actorDocument struct {
	Context           any    `json:"@context"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

type cacheEntry struct {
	record   domain.RemoteActorRecord
	storedAt time.Time
}

// ActorCache memoizes remote actor documents by URI, bounded both in time
// and entry count. Entries are immutable once stored; expiry is checked on
// access, there is no eviction goroutine.
type ActorCache struct {
	client *http.Client
	ttl    time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewActorCache creates a cache with the default TTL and capacity.
func NewActorCache(client *http.Client) *ActorCache {
	return newActorCache(client, actorCacheTTL, actorCacheMax)
}

func newActorCache(client *http.Client, ttl time.Duration, max int) *ActorCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ActorCache{
		client:  client,
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cacheEntry),
	}
}

// Fetch returns the cached record for actorURI, dereferencing it over HTTP
// on a miss or after expiry. Callers get a copy; the cache owns its entries.
func (c *ActorCache) Fetch(actorURI string) (*domain.RemoteActorRecord, error) {
	c.mu.Lock()
	if entry, ok := c.entries[actorURI]; ok {
		if time.Since(entry.storedAt) < c.ttl {
			record := entry.record
			c.mu.Unlock()
			return &record, nil
		}
		delete(c.entries, actorURI)
	}
	c.mu.Unlock()

	record, err := c.fetchRemote(actorURI)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[actorURI] = cacheEntry{record: *record, storedAt: time.Now()}
	c.mu.Unlock()

	copied := *record
	return &copied, nil
}

// evictOldest removes the entry stored longest ago. Caller holds c.mu.
func (c *ActorCache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *ActorCache) fetchRemote(actorURI string) (*domain.RemoteActorRecord, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, &FetchError{URL: actorURI, Err: err}
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "pangolin/1.0 ActivityPub")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: actorURI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: actorURI, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: actorURI, Err: err}
	}

	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &FetchError{URL: actorURI, Err: err}
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, &FetchError{URL: actorURI, Err: fmt.Errorf("actor document missing required fields")}
	}

	log.Debug("Fetched remote actor", "uri", doc.ID, "inbox", doc.Inbox)

	return &domain.RemoteActorRecord{
		ID:                doc.ID,
		PreferredUsername: doc.PreferredUsername,
		Inbox:             doc.Inbox,
		PublicKeyPem:      doc.PublicKey.PublicKeyPem,
		FetchedAt:         time.Now(),
	}, nil
}

package web

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pangolin-social/pangolin/activitypub"
	"github.com/pangolin-social/pangolin/store"
	"github.com/pangolin-social/pangolin/util"
)

type routerEnv struct {
	router     *gin.Engine
	store      *store.Store
	srv        *httptest.Server
	domainName string
	remoteKey  *rsa.PrivateKey
	remoteURI  string
}

// newRouterEnv wires the full stack against an in-memory store and a TLS
// server playing the remote federation peer "dan".
func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))

	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)

	remoteURI := srv.URL + "/actors/dan"
	mux.HandleFunc("/actors/dan", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"@context":          "https://www.w3.org/ns/activitystreams",
			"id":                remoteURI,
			"type":              "Person",
			"preferredUsername": "dan",
			"inbox":             srv.URL + "/remote-inboxes/dan",
			"publicKey": map[string]string{
				"id":           remoteURI + "#main-key",
				"owner":        remoteURI,
				"publicKeyPem": pubPEM,
			},
		}
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/remote-inboxes/dan", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateAccount("carol", "Carol", "local test actor"); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	domainName := strings.TrimPrefix(srv.URL, "https://")

	conf := &util.AppConfig{}
	conf.Conf.Domain = domainName
	conf.Conf.Federation = true

	cache := activitypub.NewActorCache(srv.Client())
	queue := activitypub.NewDeliveryQueue(srv.Client(), 2, domainName)
	t.Cleanup(queue.Close)
	disp := activitypub.NewDispatcher(st, cache, queue, domainName)

	return &routerEnv{
		router:     NewRouter(conf, st, disp),
		store:      st,
		srv:        srv,
		domainName: domainName,
		remoteKey:  key,
		remoteURI:  remoteURI,
	}
}

// signedInboxRequest builds a signed POST to carol's inbox, the way a
// well-behaved remote server would.
func (e *routerEnv) signedInboxRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()

	req := httptest.NewRequest("POST", "/users/carol/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", e.domainName)

	hash := sha256.Sum256(body)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(hash[:]))

	if err := activitypub.SignRequest(req, e.remoteKey, e.remoteURI+"#main-key"); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}

	return req
}

func TestActorDocument(t *testing.T) {
	env := newRouterEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/users/carol", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var doc ActorDoc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Invalid actor document: %v", err)
	}
	if doc.PreferredUsername != "carol" {
		t.Errorf("Unexpected username: %s", doc.PreferredUsername)
	}
	if doc.PublicKey.PublicKeyPem == "" {
		t.Error("Actor document missing public key")
	}
	if strings.Contains(w.Body.String(), "PRIVATE KEY") {
		t.Error("Actor document leaks private key material")
	}
}

func TestActorNotFound(t *testing.T) {
	env := newRouterEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/users/nobody", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestWebfinger(t *testing.T) {
	env := newRouterEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:carol@"+env.domainName, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var doc WebfingerDoc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Invalid webfinger document: %v", err)
	}
	if !strings.HasPrefix(doc.Subject, "acct:carol@") {
		t.Errorf("Unexpected subject: %s", doc.Subject)
	}
	if len(doc.Links) != 1 || doc.Links[0].Rel != "self" {
		t.Errorf("Unexpected links: %+v", doc.Links)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/.well-known/webfinger", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without resource, got %d", w.Code)
	}
}

func TestInboxRejectsUnsignedRequest(t *testing.T) {
	env := newRouterEnv(t)

	body := fmt.Sprintf(`{"type":"Follow","actor":%q,"object":"x"}`, env.remoteURI)
	req := httptest.NewRequest("POST", "/users/carol/inbox", strings.NewReader(body))

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned request, got %d", w.Code)
	}
}

func TestInboxAcceptsSignedFollow(t *testing.T) {
	env := newRouterEnv(t)

	body := []byte(fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "%s/follows/1",
		"type": "Follow",
		"actor": %q,
		"object": "https://%s/users/carol"
	}`, env.remoteURI, env.remoteURI, env.domainName))

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, env.signedInboxRequest(t, body))

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	acc, _ := env.store.ReadAccByUsername("carol")
	followers, _ := env.store.ReadFollowers(acc.Id)
	if len(followers) != 1 || followers[0] != env.remoteURI {
		t.Errorf("Expected dan in followers, got %v", followers)
	}
}

func TestInboxRejectsUnsupportedType(t *testing.T) {
	env := newRouterEnv(t)

	body := []byte(fmt.Sprintf(`{"type":"Delete","actor":%q,"object":"x"}`, env.remoteURI))

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, env.signedInboxRequest(t, body))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported type, got %d", w.Code)
	}
}

func TestOutboxPublishAndPaging(t *testing.T) {
	env := newRouterEnv(t)

	body := `{"content": "hello fediverse"}`
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/users/carol/outbox", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/users/carol/outbox", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var page struct {
		Type         string            `json:"type"`
		TotalItems   int               `json:"totalItems"`
		OrderedItems []json.RawMessage `json:"orderedItems"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("Invalid outbox page: %v", err)
	}
	if page.Type != "OrderedCollectionPage" {
		t.Errorf("Unexpected collection type: %s", page.Type)
	}
	if page.TotalItems != 1 || len(page.OrderedItems) != 1 {
		t.Errorf("Expected 1 outbox item, got total=%d items=%d", page.TotalItems, len(page.OrderedItems))
	}
}

func TestCreateAccountRoute(t *testing.T) {
	env := newRouterEnv(t)

	body := `{"username": "frank", "displayName": "Frank"}`
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/users", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if _, err := env.store.ReadAccByUsername("frank"); err != nil {
		t.Errorf("Account not persisted: %v", err)
	}
}

func TestFeed(t *testing.T) {
	env := newRouterEnv(t)

	body := `{"content": "note for the feed"}`
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/users/carol/outbox", strings.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("Publish failed: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/feed?username=carol", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<rss") {
		t.Error("Feed response is not RSS")
	}
	if !strings.Contains(w.Body.String(), "note for the feed") {
		t.Error("Feed missing published note")
	}
}

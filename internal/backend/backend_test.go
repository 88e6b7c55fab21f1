package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/browserd"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/remote"
)

func TestResourceTitle(t *testing.T) {
	if got := ResourceTitle("alpha", 7); got != "alpha-0007" {
		t.Fatalf("ResourceTitle = %q", got)
	}
	if got := ResourceTitle("alpha", 12345); got != "alpha-12345" {
		t.Fatalf("ResourceTitle = %q", got)
	}
}

func TestDirectSessionMapsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	}))
	defer srv.Close()

	client, err := remote.New(remote.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	sess := &directSession{client: client, acct: "alpha"}

	if err := sess.Connect(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Connect: want ErrAuthExpired, got %v", err)
	}
	if err := sess.PerformAction(context.Background(), 1); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("PerformAction: want ErrAuthExpired, got %v", err)
	}
	ok, err := sess.IsAuthorized(context.Background())
	if err != nil {
		t.Fatalf("IsAuthorized: %v", err)
	}
	if ok {
		t.Fatal("IsAuthorized should be false against a 401 server")
	}
}

func TestDirectSessionPerformAction(t *testing.T) {
	var gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/resources" {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotTitle = body["title"]
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := remote.New(remote.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	sess := &directSession{client: client, acct: "alpha"}

	if err := sess.PerformAction(context.Background(), 42); err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	if gotTitle != "alpha-0042" {
		t.Fatalf("server saw title %q", gotTitle)
	}
}

func TestBrowserSession(t *testing.T) {
	var created []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{acct}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"logged_in": true})
	})
	mux.HandleFunc("POST /session/{acct}/resources", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		created = append(created, body["name"]+"+"+body["member"])
		json.NewEncoder(w).Encode(map[string]any{"created": true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	driver := browserd.NewClient(strings.TrimPrefix(srv.URL, "http://"), 5*time.Second, nil)
	sess := &browserSession{driver: driver, acct: "beta", member: "@target"}

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ok, err := sess.IsAuthorized(context.Background())
	if err != nil || !ok {
		t.Fatalf("IsAuthorized = %v, %v", ok, err)
	}
	if err := sess.PerformAction(context.Background(), 3); err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	if len(created) != 1 || created[0] != "beta-0003+@target" {
		t.Fatalf("driver recorded %v", created)
	}
}

func setupFactory(t *testing.T) (*Factory, *account.Store) {
	t.Helper()
	store := account.NewStore(t.TempDir(), "factory-test-passphrase", nil)
	cfg := config.Config{
		TargetMember: "@target",
		Remote:       config.RemoteConfig{BaseURL: "http://127.0.0.1:1", TimeoutSeconds: 1},
		Proxies:      []string{"http://p1:8080", "http://p2:8080"},
	}
	driver := browserd.NewClient("127.0.0.1:1", time.Second, nil)
	return NewFactory(cfg, store, driver, nil), store
}

func TestFactoryOpenDirect(t *testing.T) {
	f, store := setupFactory(t)

	if err := store.Reserve(account.BackendDirect, "alpha", 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Finalize(account.BackendDirect, "alpha", 100, []byte("session-bytes")); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	ident, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	sess, err := f.Open(context.Background(), 100, ident)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := sess.(*directSession); !ok {
		t.Fatalf("Open returned %T, want *directSession", sess)
	}
}

func TestFactoryOpenDirectWrongOwner(t *testing.T) {
	f, store := setupFactory(t)

	if err := store.Reserve(account.BackendDirect, "alpha", 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Finalize(account.BackendDirect, "alpha", 100, []byte("session-bytes")); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	ident, _ := store.Get("alpha")

	if _, err := f.Open(context.Background(), 200, ident); !errors.Is(err, account.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner, got %v", err)
	}
}

func TestFactoryOpenBrowser(t *testing.T) {
	f, _ := setupFactory(t)

	sess, err := f.Open(context.Background(), 100, account.Identity{Name: "beta", Backend: account.BackendBrowser, OwnerID: 100})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bs, ok := sess.(*browserSession)
	if !ok {
		t.Fatalf("Open returned %T, want *browserSession", sess)
	}
	if bs.member != "@target" {
		t.Fatalf("member = %q", bs.member)
	}
}

func TestFactoryOpenUnknownBackend(t *testing.T) {
	f, _ := setupFactory(t)
	if _, err := f.Open(context.Background(), 100, account.Identity{Name: "x", Backend: account.Backend("carrier-pigeon")}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestPickRotation(t *testing.T) {
	pool := []string{"a", "b", "c"}
	got := []string{pick(pool, 0), pick(pool, 1), pick(pool, 2), pick(pool, 3)}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pick #%d = %q, want %q", i, got[i], want[i])
		}
	}
	if pick(nil, 5) != "" {
		t.Fatal("empty pool should pick nothing")
	}
}

func TestFactoryNewAuth(t *testing.T) {
	f, _ := setupFactory(t)

	if _, err := f.NewAuth(); err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	// An empty base URL refuses to build a client.
	f.Reload(config.Config{})
	if _, err := f.NewAuth(); err == nil {
		t.Fatal("expected error with no base URL")
	}
}

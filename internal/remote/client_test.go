package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:   srv.URL,
		Timeout:   2 * time.Second,
		UserAgent: "drover-test/1.0",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClient_AuthFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/code/request", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["identifier"] != "+15551234567" {
			t.Errorf("identifier = %q", in["identifier"])
		}
		json.NewEncoder(w).Encode(map[string]string{"challenge": "ch-1"})
	})
	mux.HandleFunc("/v1/auth/code/verify", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		switch in["code"] {
		case "11111":
			json.NewEncoder(w).Encode(map[string]string{"session": "sess-ok"})
		case "22222":
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "password_required"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "code_invalid"})
		}
	})
	mux.HandleFunc("/v1/auth/password", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "code_invalid"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"session": "sess-2fa"})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	challenge, err := c.RequestCode(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if challenge != "ch-1" {
		t.Fatalf("challenge = %q", challenge)
	}

	if _, err := c.SubmitCode(ctx, challenge, "99999"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("wrong code error = %v, want ErrCodeInvalid", err)
	}

	if _, err := c.SubmitCode(ctx, challenge, "22222"); !errors.Is(err, ErrPasswordNeeded) {
		t.Fatalf("2fa error = %v, want ErrPasswordNeeded", err)
	}

	session, err := c.SubmitPassword(ctx, challenge, "hunter2")
	if err != nil {
		t.Fatalf("submit password: %v", err)
	}
	if string(session) != "sess-2fa" {
		t.Fatalf("session = %q", session)
	}
	if string(c.Session()) != "sess-2fa" {
		t.Fatal("client did not retain session material")
	}
}

func TestClient_PerformAction(t *testing.T) {
	var gotAuth, gotUA, gotTitle string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/resources", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		gotTitle = in["title"]
		w.WriteHeader(http.StatusCreated)
	})

	c := newTestClient(t, mux)
	c.SetSession([]byte("sess-ok"))

	if err := c.PerformAction(context.Background(), "Herd 7"); err != nil {
		t.Fatalf("perform action: %v", err)
	}
	if gotAuth != "Bearer sess-ok" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotUA != "drover-test/1.0" {
		t.Fatalf("user agent = %q", gotUA)
	}
	if gotTitle != "Herd 7" {
		t.Fatalf("title = %q", gotTitle)
	}
}

func TestClient_PerformAction_Unauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/resources", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := newTestClient(t, mux)
	c.SetSession([]byte("stale"))

	err := c.PerformAction(context.Background(), "x")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestClient_IsAuthorized(t *testing.T) {
	ok := true
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session/me", func(w http.ResponseWriter, r *http.Request) {
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})

	c := newTestClient(t, mux)
	if !c.IsAuthorized(context.Background()) {
		t.Fatal("expected authorized")
	}
	ok = false
	if c.IsAuthorized(context.Background()) {
		t.Fatal("expected unauthorized")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without base URL")
	}
}

func TestNew_BadProxyRejected(t *testing.T) {
	if _, err := New(Options{BaseURL: "http://x", Proxy: "://bad"}); err == nil {
		t.Fatal("expected proxy parse error")
	}
}

package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientSignsRequests(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := Check(r.Method, r.URL.RequestURI(), body, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), testSecret, time.Now()); err != nil {
			t.Errorf("signature rejected for %s %s: %v", r.Method, r.URL.RequestURI(), err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("key") == "count" {
				_ = json.NewEncoder(w).Encode(map[string]any{"key": "count", "value": 3})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"count": 3})
		case http.MethodPost:
			var payload map[string]json.RawMessage
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if _, ok := payload["key"]; !ok {
				t.Errorf("expected key in payload, got %s", body)
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", testSecret, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if err := client.SetStorage(ctx, "a1", "count", 3); err != nil {
		t.Fatalf("set storage: %v", err)
	}
	all, err := client.GetStorage(ctx, "a1")
	if err != nil {
		t.Fatalf("get storage: %v", err)
	}
	if string(all["count"]) != "3" {
		t.Fatalf("unexpected storage payload %v", all)
	}
	value, err := client.GetStorageKey(ctx, "a1", "count")
	if err != nil {
		t.Fatalf("get storage key: %v", err)
	}
	if string(value) != "3" {
		t.Fatalf("unexpected value %s", value)
	}
	if err := client.DeleteStorage(ctx, "a1", "count"); err != nil {
		t.Fatalf("delete storage: %v", err)
	}
	if err := client.SetSecret(ctx, "a1", "API_KEY", "s3cr3t"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if calls != 5 {
		t.Fatalf("expected 5 calls, got %d", calls)
	}
}

func TestClientMapsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, testSecret, &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.DeleteStorage(context.Background(), "a1", "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewClientRequiresSecret(t *testing.T) {
	if _, err := NewClient("https://relay.example", nil, nil); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestNewClientLeavesCallerClientUntouched(t *testing.T) {
	shared := &http.Client{}
	client, err := NewClient("https://relay.example", testSecret, shared)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if shared.Timeout != 0 {
		t.Fatalf("caller's client timeout changed to %v", shared.Timeout)
	}
	if client.client == shared || client.client.Timeout != defaultTimeout {
		t.Fatalf("expected a private copy with the default timeout, got %+v", client.client)
	}

	timed := &http.Client{Timeout: time.Second}
	client, err = NewClient("https://relay.example", testSecret, timed)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.client != timed {
		t.Fatal("a client with its own timeout should be used as is")
	}
}

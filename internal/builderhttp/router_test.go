package builderhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/bundler"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/service/build"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/ws"
)

const testToken = "builder-secret"

type buildServiceStub struct {
	mu       sync.Mutex
	result   build.Result
	buildErr error
	bundle   *bundler.Bundle
	calls    []string
}

func (s *buildServiceStub) Build(ctx context.Context, appletID string) (build.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, appletID)
	if s.buildErr != nil {
		return build.Result{}, s.buildErr
	}
	result := s.result
	result.AppletID = appletID
	return result, nil
}

func (s *buildServiceStub) Bundle(ctx context.Context, appletID, version string) (*bundler.Bundle, error) {
	if s.bundle == nil || s.bundle.AppletID != appletID || s.bundle.Version != version {
		return nil, repository.ErrNotFound
	}
	return s.bundle, nil
}

func newTestRouter(t *testing.T, svc BuildService, token string) (*Router, *ws.Hub) {
	t.Helper()
	hub := ws.NewHub(8)
	t.Cleanup(hub.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, svc, hub, token, nil), hub
}

func doRequest(router http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("X-Builder-Token", token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestBuildRequiresToken(t *testing.T) {
	svc := &buildServiceStub{}
	router, _ := newTestRouter(t, svc, testToken)

	if rr := doRequest(router, http.MethodPost, "/build/app-1", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := doRequest(router, http.MethodPost, "/build/app-1", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
	if len(svc.calls) != 0 {
		t.Fatalf("build service called without auth: %v", svc.calls)
	}
}

func TestBuildTokenUnconfigured(t *testing.T) {
	router, _ := newTestRouter(t, &buildServiceStub{}, "")
	if rr := doRequest(router, http.MethodPost, "/build/app-1", "anything"); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestBuildCreatesAndReuses(t *testing.T) {
	svc := &buildServiceStub{result: build.Result{Version: "abc1234", ModuleCount: 4}}
	router, _ := newTestRouter(t, svc, testToken)

	rr := doRequest(router, http.MethodPost, "/build/app-1", testToken)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var result build.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.AppletID != "app-1" || result.Version != "abc1234" || result.ModuleCount != 4 {
		t.Fatalf("unexpected result %+v", result)
	}

	svc.result.Cached = true
	if rr := doRequest(router, http.MethodPost, "/build/app-1", testToken); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for cached build, got %d", rr.Code)
	}
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{repository.ErrVersionCollision, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		router, _ := newTestRouter(t, &buildServiceStub{buildErr: tc.err}, testToken)
		if rr := doRequest(router, http.MethodPost, "/build/app-1", testToken); rr.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestBuildRejectsBadRequests(t *testing.T) {
	router, _ := newTestRouter(t, &buildServiceStub{}, testToken)
	if rr := doRequest(router, http.MethodGet, "/build/app-1", testToken); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr := doRequest(router, http.MethodPost, "/build/", testToken); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestBundleEndpoint(t *testing.T) {
	svc := &buildServiceStub{bundle: &bundler.Bundle{
		AppletID: "app-1",
		Version:  "abc1234",
		Roots:    []string{"https://applets.zipper.local/app-1/src/main.ts"},
		Modules: []resolver.Module{{
			Specifier: "https://applets.zipper.local/app-1/src/main.ts",
			Kind:      "esm",
			Content:   "export default 1",
		}},
	}}
	router, _ := newTestRouter(t, svc, testToken)

	rr := doRequest(router, http.MethodGet, "/bundles/app-1/abc1234", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got bundler.Bundle
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Modules) != 1 || got.Modules[0].Content != "export default 1" {
		t.Fatalf("unexpected bundle %+v", got)
	}

	if rr := doRequest(router, http.MethodGet, "/bundles/app-1/zzzzzzz", testToken); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := doRequest(router, http.MethodGet, "/bundles/app-1", testToken); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &buildServiceStub{}, testToken)
	if rr := doRequest(router, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBuildSocketReceivesProgress(t *testing.T) {
	router, hub := newTestRouter(t, &buildServiceStub{}, testToken)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/builds?app_id=app-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Builder-Token": {testToken}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers("app-1") == 1 })
	hub.Broadcast("app-1", []byte(`{"stage":"started"}`))
	hub.Broadcast("app-2", []byte(`{"stage":"ignored"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"stage":"started"}` {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestBuildSocketRequiresAppID(t *testing.T) {
	router, _ := newTestRouter(t, &buildServiceStub{}, testToken)
	if rr := doRequest(router, http.MethodGet, "/ws/builds", testToken); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestProgressStreamsRequireBuilderToken(t *testing.T) {
	router, hub := newTestRouter(t, &buildServiceStub{}, testToken)
	for _, target := range []string{"/ws/builds?app_id=app-1", "/events/builds?app_id=app-1"} {
		if rr := doRequest(router, http.MethodGet, target, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", target, rr.Code)
		}
		if rr := doRequest(router, http.MethodGet, target, "wrong-token"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 with bad token, got %d", target, rr.Code)
		}
	}
	if n := hub.Subscribers("app-1"); n != 0 {
		t.Fatalf("unauthorized requests subscribed %d clients", n)
	}

	srv := httptest.NewServer(router)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/builds?app_id=app-1"
	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil {
		t.Fatal("expected tokenless websocket dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
	conn, _, err := websocket.DefaultDialer.Dial(base+"&builder_token="+testToken, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	_ = conn.Close()
}

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestBuildEventsStream(t *testing.T) {
	router, hub := newTestRouter(t, &buildServiceStub{}, testToken)
	router.heartbeat = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events/builds?app_id=app-1", nil).WithContext(ctx)
	req.Header.Set("X-Builder-Token", testToken)
	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers("app-1") == 1 })
	hub.Broadcast("app-1", []byte(`{"stage":"completed"}`))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), "event: build\ndata: {\"stage\":\"completed\"}")
	})
	waitFor(t, 2*time.Second, func() bool {
		return strings.Count(recorder.body(), ": ping") >= 2
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event stream did not exit after context cancel")
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if hub.Subscribers("app-1") != 0 {
		t.Fatal("expected subscriber to be removed")
	}
}

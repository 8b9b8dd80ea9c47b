package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pairsync/internal/auth"
	"pairsync/internal/hub"
	"pairsync/internal/pairing"
)

// stubBackend fakes the external pairing service over HTTP.
type stubBackend struct {
	srv *httptest.Server

	mu     sync.Mutex
	status pairing.BackendStatus
}

func newStubBackend(t *testing.T) *stubBackend {
	t.Helper()
	sb := &stubBackend{}
	sb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/start"), strings.HasSuffix(r.URL.Path, "/stop"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/status"):
			sb.mu.Lock()
			st := sb.status
			sb.mu.Unlock()
			_ = json.NewEncoder(w).Encode(st)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(sb.srv.Close)
	return sb
}

func (sb *stubBackend) setStatus(st pairing.BackendStatus) {
	sb.mu.Lock()
	sb.status = st
	sb.mu.Unlock()
}

var testTokenConfig = auth.TokenConfig{Secret: "test-secret", Expiry: time.Hour, Issuer: "pairsync"}

func newTestRouter(t *testing.T, sb *stubBackend) (*gin.Engine, *pairing.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := pairing.NewController(pairing.NewBackend(sb.srv.URL), pairing.Options{
		QuickPollInterval:  5 * time.Millisecond,
		QuickPollAttempts:  30,
		SteadyPollInterval: 30 * time.Millisecond,
		StartSettleDelay:   time.Millisecond,
		StartDeadline:      5 * time.Second,
	})
	r := NewRouter(Deps{Controller: ctrl, Hub: hub.New(), TokenConfig: testTokenConfig})
	return r, ctrl
}

func authToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.CreateToken("user-1", testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestRouter_Health(t *testing.T) {
	r, _ := newTestRouter(t, newStubBackend(t))
	w, _ := doJSON(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t, newStubBackend(t))
	for _, path := range []string{"/v1/pair", "/v1/pair/sub-1"} {
		w, _ := doJSON(t, r, http.MethodGet, path, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, w.Code)
		}
	}
	w, _ := doJSON(t, r, http.MethodPost, "/v1/pair/sub-1/start", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("start: expected 401, got %d", w.Code)
	}
}

func TestRouter_StartThenState(t *testing.T) {
	sb := newStubBackend(t)
	sb.setStatus(pairing.BackendStatus{LastQR: "QR_A"})
	r, ctrl := newTestRouter(t, sb)
	tok := authToken(t)

	w, body := doJSON(t, r, http.MethodPost, "/v1/pair/sub-1/start", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sess, _ := body["session"].(map[string]any)
	if sess == nil || sess["state"] != "awaiting_scan" {
		t.Fatalf("unexpected start response: %v", body)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := ctrl.GetState("sub-1")
		if err == nil && got.QRPayload == "QR_A" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	w, body = doJSON(t, r, http.MethodGet, "/v1/pair/sub-1", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("state: expected 200, got %d", w.Code)
	}
	sess, _ = body["session"].(map[string]any)
	if sess == nil || sess["qrPayload"] != "QR_A" {
		t.Fatalf("unexpected state response: %v", body)
	}
}

func TestRouter_StateUnknownSubClient(t *testing.T) {
	r, _ := newTestRouter(t, newStubBackend(t))
	w, _ := doJSON(t, r, http.MethodGet, "/v1/pair/nobody", authToken(t))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRouter_QRImage(t *testing.T) {
	sb := newStubBackend(t)
	sb.setStatus(pairing.BackendStatus{LastQR: "QR_A"})
	r, ctrl := newTestRouter(t, sb)
	tok := authToken(t)

	// No payload yet.
	w, _ := doJSON(t, r, http.MethodGet, "/v1/pair/sub-1/qr.png", tok)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before pairing, got %d", w.Code)
	}

	if _, body := doJSON(t, r, http.MethodPost, "/v1/pair/sub-1/start", tok); body == nil {
		t.Fatalf("start failed")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, err := ctrl.GetState("sub-1"); err == nil && got.QRPayload != "" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	w, _ = doJSON(t, r, http.MethodGet, "/v1/pair/sub-1/qr.png", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store cache header")
	}
	if w.Body.Len() == 0 {
		t.Fatalf("expected PNG bytes")
	}
}

func TestRouter_StopAndUnlink(t *testing.T) {
	sb := newStubBackend(t)
	r, ctrl := newTestRouter(t, sb)
	tok := authToken(t)

	if _, err := ctrl.Start(context.Background(), "sub-1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w, body := doJSON(t, r, http.MethodPost, "/v1/pair/sub-1/stop", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", w.Code)
	}
	sess, _ := body["session"].(map[string]any)
	if sess == nil || sess["state"] != "stopped" {
		t.Fatalf("unexpected stop response: %v", body)
	}

	w, _ = doJSON(t, r, http.MethodPost, "/v1/pair/sub-1/unlink", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("unlink: expected 200, got %d", w.Code)
	}
}

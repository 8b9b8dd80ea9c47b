package pairing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend is an httptest stand-in for the external pairing backend.
type fakeBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	status    BackendStatus
	statusErr bool
	startFail bool

	startCalls int32
	stopCalls  int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/start"):
			atomic.AddInt32(&fb.startCalls, 1)
			fb.mu.Lock()
			fail := fb.startFail
			fb.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/stop"):
			atomic.AddInt32(&fb.stopCalls, 1)
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/status"):
			fb.mu.Lock()
			st, fail := fb.status, fb.statusErr
			fb.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(st)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) setStatus(st BackendStatus) {
	fb.mu.Lock()
	fb.status = st
	fb.mu.Unlock()
}

func (fb *fakeBackend) setStatusErr(fail bool) {
	fb.mu.Lock()
	fb.statusErr = fail
	fb.mu.Unlock()
}

func testOptions() Options {
	return Options{
		QuickPollInterval:  5 * time.Millisecond,
		QuickPollAttempts:  30,
		SteadyPollInterval: 30 * time.Millisecond,
		StartSettleDelay:   time.Millisecond,
		StartDeadline:      5 * time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

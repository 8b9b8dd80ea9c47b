package pairing

import (
	"testing"
	"time"

	"pairsync/internal/model"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	fb := newFakeBackend(t)
	return NewController(NewBackend(fb.srv.URL), testOptions())
}

func TestCommit_StaleGenerationIsSilentlyDropped(t *testing.T) {
	c := newTestController(t)
	c.commitQR("sub-1", 0, "QR_A")

	calls := 0
	off := c.OnUpdate("sub-1", func(model.PairingSession) { calls++ })
	defer off()

	if c.commitQR("sub-1", 99, "QR_STALE") {
		t.Fatalf("expected stale commit to be dropped")
	}
	if calls != 0 {
		t.Fatalf("dropped commit must not notify observers, got %d calls", calls)
	}
	got, _ := c.GetState("sub-1")
	if got.QRPayload != "QR_A" {
		t.Fatalf("expected QR_A intact, got %q", got.QRPayload)
	}
}

func TestCommitQR_FreshPayloadReplacesPrevious(t *testing.T) {
	c := newTestController(t)
	c.commitQR("sub-1", 0, "QR_P1")
	first, _ := c.GetState("sub-1")

	time.Sleep(2 * time.Millisecond)
	if !c.commitQR("sub-1", 0, "QR_P2") {
		t.Fatalf("expected replacement commit to apply")
	}
	second, _ := c.GetState("sub-1")
	if second.QRPayload != "QR_P2" {
		t.Fatalf("expected QR_P2, got %q", second.QRPayload)
	}
	if second.QRIssuedAt <= first.QRIssuedAt {
		t.Fatalf("expected QRIssuedAt to advance: %d -> %d", first.QRIssuedAt, second.QRIssuedAt)
	}
}

func TestCommitLinked_WinsOverLaterQR(t *testing.T) {
	c := newTestController(t)
	c.commitQR("sub-1", 0, "QR_A")
	if !c.commitLinked("sub-1", 0, model.Device{Phone: "+6281234567890"}) {
		t.Fatalf("expected link to apply")
	}
	if c.commitQR("sub-1", 0, "QR_LATE") {
		t.Fatalf("expected QR after link to be dropped")
	}
	got, _ := c.GetState("sub-1")
	if got.State != model.StateLinked || got.QRPayload != "" {
		t.Fatalf("link regressed: %+v", got)
	}
}

func TestCommitExpired_ClearsPayload(t *testing.T) {
	c := newTestController(t)
	c.commitQR("sub-1", 0, "QR_A")
	if !c.commitExpired("sub-1", 0) {
		t.Fatalf("expected expiry to apply")
	}
	got, _ := c.GetState("sub-1")
	if got.State != model.StateExpired || got.QRPayload != "" || got.QRIssuedAt != 0 {
		t.Fatalf("expected cleared expired session, got %+v", got)
	}
}

func TestCommitDisconnected_OnlyFromLinked(t *testing.T) {
	c := newTestController(t)
	c.commitQR("sub-1", 0, "QR_A")
	if c.commitDisconnected("sub-1") {
		t.Fatalf("disconnect must not apply to a non-linked session")
	}

	c.commitLinked("sub-1", 0, model.Device{Phone: "+6281234567890"})
	if !c.commitDisconnected("sub-1") {
		t.Fatalf("expected disconnect from linked to apply")
	}
	got, _ := c.GetState("sub-1")
	if got.State != model.StateIdle || got.Device != nil {
		t.Fatalf("expected idle session with no device, got %+v", got)
	}
}

func TestOnUpdate_UnregisterStopsDelivery(t *testing.T) {
	c := newTestController(t)

	calls := 0
	off := c.OnUpdate("sub-1", func(model.PairingSession) { calls++ })

	c.commitQR("sub-1", 0, "QR_A")
	if calls != 1 {
		t.Fatalf("expected one callback, got %d", calls)
	}

	off()
	c.commitQR("sub-1", 0, "QR_B")
	if calls != 1 {
		t.Fatalf("expected no callbacks after unregister, got %d", calls)
	}
}

func TestOnUpdate_CallbackMayReadState(t *testing.T) {
	c := newTestController(t)

	var seen model.PairingSession
	off := c.OnUpdate("sub-1", func(model.PairingSession) {
		if got, err := c.GetState("sub-1"); err == nil {
			seen = got
		}
	})
	defer off()

	c.commitQR("sub-1", 0, "QR_A")
	if seen.QRPayload != "QR_A" {
		t.Fatalf("expected callback to observe the committed payload, got %+v", seen)
	}
}

func TestOnUpdate_ObserversAreScopedToSubClient(t *testing.T) {
	c := newTestController(t)

	calls := 0
	off := c.OnUpdate("sub-2", func(model.PairingSession) { calls++ })
	defer off()

	c.commitQR("sub-1", 0, "QR_A")
	if calls != 0 {
		t.Fatalf("sub-2 observer must not see sub-1 commits, got %d", calls)
	}
}

package pairing

import (
	"log"
	"time"

	"pairsync/internal/model"
)

// The reconciliation layer is the single chokepoint through which quick-poll,
// steady-poll and push updates mutate a session. Commits are serialized per
// sub-client; an update stamped with a superseded generation is dropped
// before it can touch state, and a terminal state ends the generation so
// late QR updates can never regress a Linked session.

// commit applies one update under the session lock. gen == 0 means "the
// session's current generation" (used by explicit caller actions and push
// ingestion, which carry no generation of their own).
func (c *Controller) commit(subClientID string, gen int64, apply func(model.PairingSession) (model.PairingSession, EventKind, bool)) bool {
	e := c.entry(subClientID)

	e.mu.Lock()
	if gen != 0 && e.cur.Generation != gen {
		cur := e.cur.Generation
		e.mu.Unlock()
		log.Printf("pairing: stale update dropped for %s (gen %d, current %d)", subClientID, gen, cur)
		return false
	}
	next, kind, ok := apply(e.cur)
	if !ok {
		e.mu.Unlock()
		return false
	}
	next.ID = subClientID
	next.Generation = e.cur.Generation
	next.UpdatedAt = time.Now().UnixMilli()
	e.cur = next
	if next.State.Terminal() && e.cancelPolls != nil {
		e.cancelPolls()
		e.cancelPolls = nil
	}
	snap := next
	e.notifyMu.Lock()
	e.mu.Unlock()

	c.fanout(Event{Kind: kind, Session: snap})
	e.notifyMu.Unlock()
	return true
}

// commitQR installs a fresh payload. Payloads rotate on the backend, so
// every arriving non-empty payload replaces the previous one and resets
// QRIssuedAt; same-shaped-but-newer codes are never suppressed.
func (c *Controller) commitQR(subClientID string, gen int64, payload string) bool {
	return c.commit(subClientID, gen, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State.Terminal() {
			return cur, "", false
		}
		cur.State = model.StateAwaitingScan
		cur.QRPayload = payload
		cur.QRIssuedAt = time.Now().UnixMilli()
		cur.Device = nil
		cur.LastError = ""
		return cur, EventQR, true
	})
}

func (c *Controller) commitAwaitingScan(subClientID string, gen int64) bool {
	return c.commit(subClientID, gen, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State != model.StateStarting {
			return cur, "", false
		}
		cur.State = model.StateAwaitingScan
		return cur, EventState, true
	})
}

// commitLinked wins over any pending QR update and is terminal for the
// generation.
func (c *Controller) commitLinked(subClientID string, gen int64, dev model.Device) bool {
	ok := c.commit(subClientID, gen, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State.Terminal() {
			return cur, "", false
		}
		if dev.ConnectedAt == 0 {
			dev.ConnectedAt = time.Now().UnixMilli()
		}
		cur.State = model.StateLinked
		cur.Device = &model.Device{Phone: dev.Phone, DeviceName: dev.DeviceName, ConnectedAt: dev.ConnectedAt}
		cur.QRPayload = ""
		cur.QRIssuedAt = 0
		cur.LastError = ""
		return cur, EventLinked, true
	})
	if ok {
		c.persistLinked()
	}
	return ok
}

// commitExpired: the code expired before being scanned. The caller must
// Start again; there is no automatic retry.
func (c *Controller) commitExpired(subClientID string, gen int64) bool {
	return c.commit(subClientID, gen, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State.Terminal() {
			return cur, "", false
		}
		cur.State = model.StateExpired
		cur.QRPayload = ""
		cur.QRIssuedAt = 0
		return cur, EventExpired, true
	})
}

func (c *Controller) commitError(subClientID string, gen int64, reason string) bool {
	return c.commit(subClientID, gen, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State.Terminal() {
			return cur, "", false
		}
		cur.State = model.StateError
		cur.LastError = reason
		cur.QRPayload = ""
		cur.QRIssuedAt = 0
		return cur, EventError, true
	})
}

func (c *Controller) commitStopped(subClientID string) bool {
	return c.commit(subClientID, 0, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State.Terminal() {
			return cur, "", false
		}
		cur.State = model.StateStopped
		cur.QRPayload = ""
		cur.QRIssuedAt = 0
		return cur, EventState, true
	})
}

// commitDisconnected resets a linked session to Idle. Driven by a backend
// disconnected event or an explicit Unlink; re-pairing needs a new Start.
func (c *Controller) commitDisconnected(subClientID string) bool {
	ok := c.commit(subClientID, 0, func(cur model.PairingSession) (model.PairingSession, EventKind, bool) {
		if cur.State != model.StateLinked {
			return cur, "", false
		}
		cur.State = model.StateIdle
		cur.Device = nil
		return cur, EventDisconnected, true
	})
	if ok {
		c.persistLinked()
	}
	return ok
}

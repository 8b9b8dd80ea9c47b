package pairing

import (
	"context"
	"log"
	"time"

	"pairsync/internal/model"
)

// qrExpiryAge is how old a backend-reported last_qr_at may be, with no
// current payload, before the steady poller treats the code as expired. The
// external code rotates every 20-30 seconds; well past that with nothing new
// means the attempt died unscanned.
const qrExpiryAge = 60 * time.Second

// runQuickPoll minimizes time-to-first-QR after Start: short interval,
// bounded attempts, single-flight per generation (starting a new generation
// cancels the previous poller via ctx). Success exits on the first usable
// payload, whether this loop fetched it or the push consumer committed one
// in the meantime; exhaustion with no payload at all commits a QR
// generation timeout.
func (c *Controller) runQuickPoll(ctx context.Context, subClientID string, gen int64) {
	ticker := time.NewTicker(c.opts.QuickPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.opts.QuickPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.qrDelivered(subClientID, gen) {
			return
		}

		st, err := c.backend.Status(ctx, subClientID)
		if err != nil {
			log.Printf("pairing: quick poll tick failed for %s: %v", subClientID, err)
			continue
		}
		c.markSignal(subClientID, gen)

		if st.LoggedIn {
			c.commitLinked(subClientID, gen, deviceFromStatus(st))
			return
		}
		if st.HasQR() {
			c.commitQR(subClientID, gen, st.LastQR)
			return
		}
	}

	if c.qrDelivered(subClientID, gen) {
		return
	}
	c.commitError(subClientID, gen, ReasonQRTimeout)
}

// qrDelivered reports whether the generation already shows a scannable
// payload, e.g. committed by the push consumer while this loop was polling.
func (c *Controller) qrDelivered(subClientID string, gen int64) bool {
	sess, err := c.GetState(subClientID)
	if err != nil {
		return false
	}
	return sess.Generation == gen && sess.State == model.StateAwaitingScan && sess.QRPayload != ""
}

// runSteadyPoll is the long-lived fallback when push is unavailable: it
// refreshes rotating payloads and detects login or expiry every tick until
// the generation reaches a terminal state. A single failed tick does not
// kill the session.
func (c *Controller) runSteadyPoll(ctx context.Context, subClientID string, gen int64) {
	ticker := time.NewTicker(c.opts.SteadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := c.backend.Status(ctx, subClientID)
		if err != nil {
			log.Printf("pairing: steady poll tick failed for %s: %v", subClientID, err)
			continue
		}
		c.markSignal(subClientID, gen)

		if st.LoggedIn {
			c.commitLinked(subClientID, gen, deviceFromStatus(st))
			return
		}
		if st.HasQR() {
			// Fresh-on-arrival: the payload replaces whatever is shown even
			// if it looks identical, because the backend rotates codes.
			c.commitQR(subClientID, gen, st.LastQR)
			continue
		}
		if c.qrWentStale(subClientID, st) {
			c.commitExpired(subClientID, gen)
			return
		}
	}
}

// qrWentStale reports whether a previously displayed payload disappeared
// from the backend without a replacement for longer than the rotation
// window.
func (c *Controller) qrWentStale(subClientID string, st BackendStatus) bool {
	sess, err := c.GetState(subClientID)
	if err != nil {
		return false
	}
	if sess.State != model.StateAwaitingScan || sess.QRPayload == "" {
		return false
	}
	if st.LastQRAt <= 0 {
		return false
	}
	return time.Since(time.UnixMilli(st.LastQRAt)) > qrExpiryAge
}

func deviceFromStatus(st BackendStatus) model.Device {
	return model.Device{Phone: st.Phone, DeviceName: st.DeviceName}
}

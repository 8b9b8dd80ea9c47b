package pairing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pairsync/internal/model"
	"pairsync/internal/statusproto"
)

const (
	pushReadLimit    = 512 * 1024
	pushPongWait     = 60 * time.Second
	pushWriteWait    = 10 * time.Second
	pushBackoffFloor = time.Second
	pushBackoffCap   = 30 * time.Second
)

// PushConsumer maintains the upstream push connection to the external
// backend. It is the third producer feeding the reconciliation layer, next
// to the two pollers. The transport holds no session affinity: after every
// reconnect the consumer re-subscribes all active sessions explicitly and
// relies on the steady poller to catch up anything missed while down.
type PushConsumer struct {
	url        string
	controller *Controller
	dialer     *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewPushConsumer(url string, controller *Controller) *PushConsumer {
	p := &PushConsumer{
		url:        url,
		controller: controller,
		dialer:     websocket.DefaultDialer,
	}
	// Newly started sessions get a live subscription without waiting for
	// the next reconnect.
	controller.OnCommit(func(ev Event) {
		if ev.Kind == EventState && ev.Session.State == model.StateStarting {
			p.subscribe(ev.Session.ID)
		}
	})
	return p
}

// Run dials and reads until ctx is cancelled, reconnecting with capped
// backoff. It only returns on context cancellation.
func (p *PushConsumer) Run(ctx context.Context) error {
	backoff := pushBackoffFloor
	for {
		if err := p.runOnce(ctx); err != nil {
			log.Printf("pairing: push connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pushBackoffCap {
			backoff = pushBackoffCap
		}
	}
}

func (p *PushConsumer) runOnce(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
	}()

	for _, id := range p.controller.ActiveSubClients() {
		p.subscribe(id)
	}

	conn.SetReadLimit(pushReadLimit)
	conn.SetReadDeadline(time.Now().Add(pushPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pushPongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pushPongWait))

		frame, err := statusproto.Parse(data)
		if err != nil {
			log.Printf("pairing: push frame rejected: %v", err)
			continue
		}
		p.ingest(frame)
	}
}

// subscribe sends a subscribe frame if a connection is up. Best-effort: a
// miss here is repaired on the next reconnect pass.
func (p *PushConsumer) subscribe(subClientID string) {
	p.mu.Lock()
	conn := p.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, statusproto.Subscribe(subClientID).Encode()); err != nil {
			log.Printf("pairing: push subscribe failed for %s: %v", subClientID, err)
		}
	}
	p.mu.Unlock()
}

// ingest maps an upstream frame to a reconciler commit. Push frames carry no
// generation; they are applied against the session's current generation, and
// the terminal-state ordering rule drops anything arriving after Linked.
// Frames for sub-clients this service never started are dropped so a
// misbehaving backend cannot grow the session table or conjure sessions.
func (p *PushConsumer) ingest(f statusproto.Frame) {
	c := p.controller
	if _, err := c.GetState(f.SubClientID); err != nil {
		log.Printf("pairing: push frame ignored for unknown sub-client %s", f.SubClientID)
		return
	}
	c.markSignalCurrent(f.SubClientID)

	switch f.Type {
	case statusproto.TypeQRCode:
		if f.QRCode != "" && f.QRCode != `""` {
			c.commitQR(f.SubClientID, 0, f.QRCode)
		}
	case statusproto.TypeConnected:
		c.commitLinked(f.SubClientID, 0, model.Device{
			Phone:       f.Phone,
			DeviceName:  f.DeviceName,
			ConnectedAt: f.ConnectedAt,
		})
	case statusproto.TypeStatus:
		if f.Connected != nil && *f.Connected {
			c.commitLinked(f.SubClientID, 0, model.Device{
				Phone:       f.Phone,
				DeviceName:  f.DeviceName,
				ConnectedAt: f.ConnectedAt,
			})
		}
	case statusproto.TypeQRTimeout:
		c.commitExpired(f.SubClientID, 0)
	case statusproto.TypeDisconnected:
		c.commitDisconnected(f.SubClientID)
	case statusproto.TypeError:
		c.commitError(f.SubClientID, 0, f.Error)
	case statusproto.TypeSubscribed:
		// ack only
	default:
		log.Printf("pairing: push frame ignored (type %q)", f.Type)
	}
}

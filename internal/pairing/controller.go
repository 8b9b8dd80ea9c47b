package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pairsync/internal/model"
)

// Options tunes the pairing engine. Zero values fall back to the observed
// production policy: 500ms x 30 quick polls, 5s steady polls, 500ms settle
// delay between stop and start, 10s zero-signal deadline.
type Options struct {
	QuickPollInterval  time.Duration
	QuickPollAttempts  int
	SteadyPollInterval time.Duration
	StartSettleDelay   time.Duration
	StartDeadline      time.Duration

	// LinkedStateFile, when non-empty, persists linked devices across
	// restarts as a JSON snapshot.
	LinkedStateFile string
}

func (o Options) withDefaults() Options {
	if o.QuickPollInterval <= 0 {
		o.QuickPollInterval = 500 * time.Millisecond
	}
	if o.QuickPollAttempts <= 0 {
		o.QuickPollAttempts = 30
	}
	if o.SteadyPollInterval <= 0 {
		o.SteadyPollInterval = 5 * time.Second
	}
	if o.StartSettleDelay <= 0 {
		o.StartSettleDelay = 500 * time.Millisecond
	}
	if o.StartDeadline <= 0 {
		o.StartDeadline = 10 * time.Second
	}
	return o
}

// session is one table entry. Mutated only by the commit path under mu;
// notifyMu is acquired before mu is released so observers see commits in
// order without holding the entry lock during callbacks.
type session struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	cur       model.PairingSession
	sawSignal bool // any successful backend signal this generation

	cancelPolls context.CancelFunc
}

// Controller owns the pairing session table and orchestrates the external
// backend, the pollers and the push consumer. All mutations flow through the
// serialized per-session commit path in reconcile.go.
type Controller struct {
	backend *Backend
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*session

	obsMu     sync.RWMutex
	observers map[string]map[int64]UpdateFunc
	sinks     []func(Event)
	nextObsID int64

	persistMu sync.Mutex
}

func NewController(backend *Backend, opts Options) *Controller {
	c := &Controller{
		backend:   backend,
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*session),
		observers: make(map[string]map[int64]UpdateFunc),
	}
	if c.opts.LinkedStateFile != "" {
		if err := c.loadLinkedFromFile(c.opts.LinkedStateFile); err != nil {
			log.Printf("pairing: linked state load failed (%s): %v", c.opts.LinkedStateFile, err)
		}
	}
	return c
}

func (c *Controller) entry(subClientID string) *session {
	c.mu.RLock()
	e, ok := c.sessions[subClientID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[subClientID]; ok {
		return e
	}
	e = &session{cur: model.PairingSession{ID: subClientID, State: model.StateIdle}}
	c.sessions[subClientID] = e
	return e
}

// Start begins a new pairing attempt for subClientID. It fails with
// ErrAlreadyLinked if a linked session exists, otherwise bumps the
// generation (superseding any in-flight attempt), issues the backend
// stop-then-start round trip with the settle delay in between, transitions
// to AwaitingScan on ack and launches the pollers.
func (c *Controller) Start(ctx context.Context, subClientID, accountType string) (model.PairingSession, error) {
	e := c.entry(subClientID)

	e.mu.Lock()
	if e.cur.State == model.StateLinked {
		snap := e.cur
		e.mu.Unlock()
		return snap, ErrAlreadyLinked
	}
	if e.cancelPolls != nil {
		e.cancelPolls()
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	e.cancelPolls = cancel
	e.sawSignal = false
	gen := e.cur.Generation + 1
	e.cur = model.PairingSession{
		ID:         subClientID,
		State:      model.StateStarting,
		Generation: gen,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	snap := e.cur
	e.notifyMu.Lock()
	e.mu.Unlock()
	c.fanout(Event{Kind: EventState, Session: snap})
	e.notifyMu.Unlock()

	// The hard deadline runs from generation creation, independent of how far
	// the stop/settle/start round trip gets, so no exit path below can leave
	// the caller in an indefinite Starting state.
	go c.watchStartDeadline(pollCtx, subClientID, gen)

	// The external protocol rejects a second simultaneous handshake, so any
	// prior connection is always stopped first and given time to settle.
	if err := c.backend.Stop(ctx, subClientID); err != nil {
		log.Printf("pairing: pre-start stop failed for %s: %v", subClientID, err)
	}
	select {
	case <-time.After(c.opts.StartSettleDelay):
	case <-ctx.Done():
		cancel()
		c.commitStopped(subClientID)
		return c.snapshot(subClientID), ctx.Err()
	}

	if err := c.backend.Start(ctx, subClientID, accountType); err != nil {
		c.commitError(subClientID, gen, ReasonBackendUnreachable)
		return c.snapshot(subClientID), err
	}

	c.commitAwaitingScan(subClientID, gen)

	go c.runQuickPoll(pollCtx, subClientID, gen)
	go c.runSteadyPoll(pollCtx, subClientID, gen)

	return c.snapshot(subClientID), nil
}

// Stop cancels an in-flight pairing attempt. The backend stop is
// best-effort: failures are logged, never surfaced, so the caller can always
// return to a settled state. Status Channel subscriptions are untouched.
func (c *Controller) Stop(ctx context.Context, subClientID string) model.PairingSession {
	if err := c.backend.Stop(ctx, subClientID); err != nil {
		log.Printf("pairing: stop failed for %s: %v", subClientID, err)
	}
	c.commitStopped(subClientID)
	return c.snapshot(subClientID)
}

// Unlink tears down a linked device: backend stop, device cleared, session
// reset to Idle, persisted registry entry removed. Re-pairing requires an
// explicit Start.
func (c *Controller) Unlink(ctx context.Context, subClientID string) model.PairingSession {
	if err := c.backend.Stop(ctx, subClientID); err != nil {
		log.Printf("pairing: unlink stop failed for %s: %v", subClientID, err)
	}
	c.commitDisconnected(subClientID)
	return c.snapshot(subClientID)
}

// GetState returns the current immutable snapshot for subClientID.
func (c *Controller) GetState(subClientID string) (model.PairingSession, error) {
	c.mu.RLock()
	e, ok := c.sessions[subClientID]
	c.mu.RUnlock()
	if !ok {
		return model.PairingSession{}, ErrUnknownSubClient
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur, nil
}

func (c *Controller) snapshot(subClientID string) model.PairingSession {
	snap, err := c.GetState(subClientID)
	if err != nil {
		return model.PairingSession{ID: subClientID, State: model.StateIdle}
	}
	return snap
}

// List returns snapshots of every known session, ordered by sub-client ID.
func (c *Controller) List() []model.PairingSession {
	c.mu.RLock()
	entries := make([]*session, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	result := make([]model.PairingSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.cur)
		e.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ActiveSubClients returns the sub-client IDs with a non-terminal session,
// i.e. the sessions the push consumer should be subscribed to.
func (c *Controller) ActiveSubClients() []string {
	var ids []string
	for _, sess := range c.List() {
		if !sess.State.Terminal() || sess.State == model.StateLinked {
			ids = append(ids, sess.ID)
		}
	}
	return ids
}

// OnUpdate registers a local observer for one sub-client. The returned
// function unregisters it.
//
// Callbacks run synchronously on the committing goroutine while the
// session's notification lock is held: reads such as GetState are safe, but
// a callback must not invoke Start, Stop, Unlink or anything else that
// commits for the same sub-client, or it deadlocks. Hand such work to a
// goroutine.
func (c *Controller) OnUpdate(subClientID string, fn UpdateFunc) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	set, ok := c.observers[subClientID]
	if !ok {
		set = make(map[int64]UpdateFunc)
		c.observers[subClientID] = set
	}
	set[id] = fn
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		if set, ok := c.observers[subClientID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.observers, subClientID)
			}
		}
	}
}

// OnCommit registers a controller-wide sink receiving every committed event.
// Used by the status hub bridge and the push consumer. The OnUpdate
// re-entrancy restriction applies to sinks as well.
func (c *Controller) OnCommit(fn func(Event)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.sinks = append(c.sinks, fn)
}

// fanout delivers a committed event to sinks and per-session observers.
// Callers hold the session's notifyMu, never its mu.
func (c *Controller) fanout(ev Event) {
	c.obsMu.RLock()
	sinks := make([]func(Event), len(c.sinks))
	copy(sinks, c.sinks)
	var fns []UpdateFunc
	for _, fn := range c.observers[ev.Session.ID] {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()

	for _, sink := range sinks {
		sink(ev)
	}
	for _, fn := range fns {
		fn(ev.Session)
	}
}

func (c *Controller) markSignal(subClientID string, gen int64) {
	e := c.entry(subClientID)
	e.mu.Lock()
	if e.cur.Generation == gen {
		e.sawSignal = true
	}
	e.mu.Unlock()
}

// markSignalCurrent is markSignal for sources that carry no generation of
// their own (push frames).
func (c *Controller) markSignalCurrent(subClientID string) {
	e := c.entry(subClientID)
	e.mu.Lock()
	e.sawSignal = true
	e.mu.Unlock()
}

func (c *Controller) watchStartDeadline(ctx context.Context, subClientID string, gen int64) {
	timer := time.NewTimer(c.opts.StartDeadline)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	e := c.entry(subClientID)
	e.mu.Lock()
	silent := e.cur.Generation == gen && !e.sawSignal && !e.cur.State.Terminal()
	e.mu.Unlock()
	if silent {
		c.commitError(subClientID, gen, ReasonBackendUnreachable)
	}
}

type linkedStateFile struct {
	Version int                  `json:"version"`
	Linked  []model.LinkedDevice `json:"linked"`
	SavedAt int64                `json:"savedAt"`
}

func (c *Controller) loadLinkedFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file linkedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported linked state version")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range file.Linked {
		if d.SubClientID == "" {
			continue
		}
		c.sessions[d.SubClientID] = &session{cur: model.PairingSession{
			ID:    d.SubClientID,
			State: model.StateLinked,
			Device: &model.Device{
				Phone:       d.Phone,
				DeviceName:  d.DeviceName,
				ConnectedAt: d.ConnectedAt,
			},
			UpdatedAt: d.ConnectedAt,
		}}
	}
	return nil
}

func (c *Controller) snapshotLinked() []model.LinkedDevice {
	var linked []model.LinkedDevice
	for _, sess := range c.List() {
		if sess.State != model.StateLinked || sess.Device == nil {
			continue
		}
		linked = append(linked, model.LinkedDevice{
			SubClientID: sess.ID,
			Phone:       sess.Device.Phone,
			DeviceName:  sess.Device.DeviceName,
			ConnectedAt: sess.Device.ConnectedAt,
		})
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i].SubClientID < linked[j].SubClientID })
	return linked
}

func (c *Controller) persistLinked() {
	path := c.opts.LinkedStateFile
	if path == "" {
		return
	}
	linked := c.snapshotLinked()

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("pairing: linked state mkdir failed (%s): %v", dir, err)
		return
	}

	file := linkedStateFile{Version: 1, Linked: linked, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Printf("pairing: linked state marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("pairing: linked state create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("pairing: linked state chmod failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("pairing: linked state write failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("pairing: linked state sync failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("pairing: linked state close failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("pairing: linked state rename failed: %v", err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"v2raybridge/internal/metrics"
	"v2raybridge/internal/session"
)

var (
	ErrTransitionInFlight = errors.New("session transition in progress")
	errEngineDetached     = errors.New("engine detached")
)

// Controller owns the single proxy session. All state changes happen under
// mu; engine calls are made with mu released so QueryStatus never waits on
// the engine.
type Controller struct {
	mu           sync.Mutex
	machine      *session.Machine
	engine       Engine
	active       *session.Config
	sessionID    string
	startedAt    time.Time
	connectedAt  time.Time
	lastError    string
	pendingFault error

	current atomic.Pointer[session.StatusSnapshot]

	subs    map[int]chan session.StatusSnapshot
	nextSub int
}

// NewController returns a controller in the DISCONNECTED state. engine may
// be nil; it can be attached later.
func NewController(engine Engine) *Controller {
	c := &Controller{
		machine: session.NewMachine(),
		engine:  engine,
		subs:    make(map[int]chan session.StatusSnapshot),
	}
	c.publishLocked(0, 0)
	return c
}

// Attach installs the engine. It is refused while a session exists.
func (c *Controller) Attach(engine Engine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Current() != session.StateDisconnected {
		return session.ErrAlreadyActive
	}
	c.engine = engine
	log.Printf("SessionController: engine attached")
	return nil
}

// Detach empties the engine slot. A connected session is lost with the
// engine and is reset to DISCONNECTED; the detached engine is then asked to
// stop its core.
func (c *Controller) Detach() error {
	c.mu.Lock()
	if c.machine.Current().Transient() {
		c.mu.Unlock()
		return ErrTransitionInFlight
	}
	eng := c.engine
	id := c.sessionID
	lost := c.machine.Reset()
	if lost {
		log.Printf("SessionController: session %s lost, engine detached", id)
		c.endSessionLocked(errEngineDetached)
		metrics.EngineFaultsTotal.Inc()
	}
	c.engine = nil
	c.mu.Unlock()

	if lost && eng != nil {
		err := guardEngine("stop", func() error { return eng.Stop(context.Background()) })
		if err != nil {
			log.Printf("SessionController: stop of detached engine for session %s failed: %v", id, err)
		}
	}
	return nil
}

// Start opens a session with cfg. It blocks until the engine reports the
// outcome. The engine call is not cancelled when ctx is.
func (c *Controller) Start(ctx context.Context, cfg session.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.machine.Current() != session.StateDisconnected {
		c.mu.Unlock()
		return session.ErrAlreadyActive
	}
	eng := c.engine
	if eng == nil {
		c.mu.Unlock()
		return &session.EngineError{Op: "start", Err: session.ErrEngineUnavailable}
	}
	if err := c.machine.Transition(session.StateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	id := uuid.NewString()
	active := cfg
	c.active = &active
	c.sessionID = id
	c.startedAt = time.Now()
	c.connectedAt = time.Time{}
	c.lastError = ""
	c.pendingFault = nil
	c.publishLocked(0, 0)
	c.mu.Unlock()

	log.Printf("SessionController: starting session %s (%s), proxyOnly=%v ipv6=%v mux=%v httpUpgrade=%v",
		id, cfg.Remark, cfg.ProxyOnly, cfg.EnableIPv6, cfg.EnableMux, cfg.EnableHTTPUpgrade)

	engineCtx := context.WithoutCancel(ctx)
	err := guardEngine("start", func() error {
		return eng.Start(engineCtx, session.Options{
			SessionID:         id,
			Config:            cfg.Config,
			Remark:            cfg.Remark,
			ProxyOnly:         cfg.ProxyOnly,
			EnableIPv6:        cfg.EnableIPv6,
			EnableMux:         cfg.EnableMux,
			EnableHTTPUpgrade: cfg.EnableHTTPUpgrade,
		}, &sessionEvents{c: c, id: id})
	})

	var up, down int64
	if err == nil {
		// без стартовых скоростей сессия всё равно считается поднятой
		_ = guardEngine("status", func() error {
			if s := eng.CurrentStatus(); s != nil {
				up, down = s.UploadSpeed, s.DownloadSpeed
			}
			return nil
		})
	}

	c.mu.Lock()
	if err == nil && c.pendingFault == nil {
		_ = c.machine.Transition(session.StateConnected)
		c.connectedAt = time.Now()
		c.publishLocked(up, down)
		c.mu.Unlock()
		log.Printf("SessionController: session %s connected", id)
		return nil
	}
	fault := c.pendingFault
	c.pendingFault = nil
	c.mu.Unlock()

	if err == nil {
		// The engine came up but already reported a fault; tear it down
		// before giving up on the session.
		log.Printf("SessionController: session %s faulted while connecting: %v", id, fault)
		if stopErr := guardEngine("stop", func() error { return eng.Stop(engineCtx) }); stopErr != nil {
			log.Printf("SessionController: cleanup stop for session %s failed: %v", id, stopErr)
		}
		err = fault
	}

	c.mu.Lock()
	_ = c.machine.Transition(session.StateDisconnected)
	c.endSessionLocked(err)
	c.mu.Unlock()
	log.Printf("SessionController: session %s failed to start: %v", id, err)
	return &session.EngineError{Op: "start", Err: err}
}

// Stop tears the session down. A Stop issued while a transition is in
// flight waits for it to resolve and then re-evaluates; only the wait
// honours ctx.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	for c.machine.Current().Transient() {
		settled := c.machine.Settled()
		c.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	if c.machine.Current() == session.StateDisconnected {
		c.mu.Unlock()
		return session.ErrNotActive
	}
	eng := c.engine
	id := c.sessionID
	if err := c.machine.Transition(session.StateDisconnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.publishLocked(0, 0)
	c.mu.Unlock()

	log.Printf("SessionController: stopping session %s", id)
	err := guardEngine("stop", func() error { return eng.Stop(context.WithoutCancel(ctx)) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingFault = nil
	if err != nil {
		c.machine.Reset()
		c.endSessionLocked(err)
		metrics.EngineFaultsTotal.Inc()
		log.Printf("SessionController: stop of session %s failed, session reset: %v", id, err)
		return &session.EngineError{Op: "stop", Err: err}
	}
	_ = c.machine.Transition(session.StateDisconnected)
	c.endSessionLocked(nil)
	log.Printf("SessionController: session %s stopped", id)
	return nil
}

// QueryStatus returns the last published snapshot. It never blocks.
func (c *Controller) QueryStatus() session.StatusSnapshot {
	if s := c.current.Load(); s != nil {
		return *s
	}
	return session.Disconnected()
}

// Active returns the configuration powering the current session.
func (c *Controller) Active() (session.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return session.Config{}, false
	}
	return *c.active, true
}

// Subscribe returns a channel receiving every published snapshot, starting
// with the current one. Slow receivers only see the latest value. The
// returned func unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan session.StatusSnapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan session.StatusSnapshot, 1)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.QueryStatus()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// guardEngine runs one engine call and turns a panic into an error, so the
// session always leaves CONNECTING and DISCONNECTING.
func guardEngine(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("SessionController: engine %s panicked: %v", op, r)
			err = fmt.Errorf("engine %s panicked: %v", op, r)
		}
	}()
	return fn()
}

func (c *Controller) handleTraffic(id string, upload, download int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.sessionID || c.machine.Current() != session.StateConnected {
		return
	}
	c.publishLocked(upload, download)
}

func (c *Controller) handleFault(id string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.sessionID {
		return
	}

	switch c.machine.Current() {
	case session.StateConnected:
		c.machine.Reset()
		c.endSessionLocked(err)
		metrics.EngineFaultsTotal.Inc()
		log.Printf("SessionController: session %s reset after engine fault: %v", id, err)
	case session.StateConnecting, session.StateDisconnecting:
		// Resolved by the in-flight Start or Stop once the engine returns.
		c.pendingFault = err
	}
}

// endSessionLocked clears the active session after the machine reached
// DISCONNECTED and publishes the zeroed snapshot.
func (c *Controller) endSessionLocked(err error) {
	c.active = nil
	c.connectedAt = time.Time{}
	if err != nil {
		c.lastError = err.Error()
	}
	c.publishLocked(0, 0)
}

func (c *Controller) publishLocked(upload, download int64) {
	snap := session.NewStatusSnapshot(c.machine.Current(), upload, download)
	snap.SessionID = c.sessionID
	snap.StartedAt = c.startedAt
	snap.ConnectedAt = c.connectedAt
	snap.LastError = c.lastError
	if c.active != nil {
		snap.Remark = c.active.Remark
	}
	c.current.Store(&snap)

	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}

	metrics.ObserveSnapshot(string(snap.State), stateLabels, snap.UploadSpeed, snap.DownloadSpeed)
}

var stateLabels = func() []string {
	out := make([]string, 0, len(session.States))
	for _, s := range session.States {
		out = append(out, string(s))
	}
	return out
}()

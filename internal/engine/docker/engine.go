// Package docker runs the V2Ray core in a Docker container and reports its
// traffic to the session controller.
package docker

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/client"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	socksproxy "golang.org/x/net/proxy"

	"v2raybridge/internal/metrics"
	"v2raybridge/internal/session"
	"v2raybridge/internal/session/service"
)

var (
	ErrSessionRunning = errors.New("engine already runs a session")
	ErrNoSession      = errors.New("engine has no running session")
)

type Config struct {
	Image           string
	ContainerPrefix string
	// ProbeURL is fetched through the SOCKS inbound before a start is
	// confirmed. Empty disables the probe.
	ProbeURL string
	// PublishIP is the host address inbound ports are published on.
	// Loopback unless set explicitly.
	PublishIP      string
	SampleInterval time.Duration
	ReadyAttempts  int
	ReadyMinDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "v2fly/v2fly-core:latest"
	}
	if c.ContainerPrefix == "" {
		c.ContainerPrefix = "v2ray-session"
	}
	if c.PublishIP == "" {
		c.PublishIP = listenLoopback
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = 10
	}
	if c.ReadyMinDelay <= 0 {
		c.ReadyMinDelay = 200 * time.Millisecond
	}
	return c
}

type instance struct {
	containerID string
	sessionID   string
	cancel      context.CancelFunc
	done        chan struct{}
}

// Engine implements service.Engine on top of Docker. It runs at most one
// container at a time.
type Engine struct {
	rt    containerRuntime
	cfg   Config
	probe func(ctx context.Context, socksAddr, url string) error

	mu      sync.Mutex
	current *instance
	status  atomic.Pointer[session.StatusSnapshot]
}

var _ service.Engine = (*Engine)(nil)

// New creates an engine talking to the Docker daemon from the environment.
func New(cfg Config) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	metrics.EngineContainers.Set(0)
	return newEngine(newDockerRuntime(cli), cfg), nil
}

func newEngine(rt containerRuntime, cfg Config) *Engine {
	return &Engine{rt: rt, cfg: cfg.withDefaults(), probe: probeThroughSocks}
}

func (e *Engine) Start(ctx context.Context, opts session.Options, events service.Events) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return ErrSessionRunning
	}

	patched, err := applyOptions(opts.Config, opts)
	if err != nil {
		return err
	}

	if err := e.rt.EnsureImage(ctx, e.cfg.Image); err != nil {
		return err
	}

	ports := make([]int, 0, len(patched.Inbounds))
	for _, in := range patched.Inbounds {
		ports = append(ports, in.Port)
	}
	name := fmt.Sprintf("%s-%s", e.cfg.ContainerPrefix, opts.SessionID)
	id, err := e.rt.Create(ctx, containerSpec{
		Name:   name,
		Image:  e.cfg.Image,
		Env:    []string{"V2RAY_CONFIG=" + string(patched.JSON)},
		HostIP: e.cfg.PublishIP,
		Ports:  ports,
		Labels: map[string]string{
			"v2raybridge.session": opts.SessionID,
			"v2raybridge.remark":  opts.Remark,
			"v2raybridge.proxy":   strconv.FormatBool(opts.ProxyOnly),
		},
	})
	if err != nil {
		return err
	}

	if err := e.bringUp(ctx, id, patched); err != nil {
		if rmErr := e.rt.Remove(ctx, id); rmErr != nil {
			log.Printf("DockerEngine: failed to remove container %s after failed start: %v", id, rmErr)
		}
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{containerID: id, sessionID: opts.SessionID, cancel: cancel, done: make(chan struct{})}
	e.current = inst
	e.status.Store(&session.StatusSnapshot{State: session.StateConnected})
	metrics.EngineContainers.Inc()
	go e.watch(watchCtx, inst, events)

	log.Printf("DockerEngine: container %s (%s) is up for session %s", name, id, opts.SessionID)
	return nil
}

// bringUp starts the container, waits until it runs and, when configured,
// checks that traffic passes through the SOCKS inbound.
func (e *Engine) bringUp(ctx context.Context, id string, patched *patchedConfig) error {
	if err := e.rt.Start(ctx, id); err != nil {
		return err
	}
	if err := e.waitReady(ctx, id); err != nil {
		return err
	}

	if e.cfg.ProbeURL == "" {
		return nil
	}
	addr, ok := patched.socksAddr()
	if !ok {
		log.Printf("DockerEngine: no socks inbound, skipping connectivity probe")
		return nil
	}
	if err := e.probe(ctx, addr, e.cfg.ProbeURL); err != nil {
		return errors.Wrap(err, "connectivity probe failed")
	}
	return nil
}

func (e *Engine) waitReady(ctx context.Context, id string) error {
	b := &backoff.Backoff{
		Min:    e.cfg.ReadyMinDelay,
		Max:    5 * time.Second,
		Factor: 2,
	}

	for attempt := 0; attempt < e.cfg.ReadyAttempts; attempt++ {
		running, exitCode, err := e.rt.State(ctx, id)
		switch {
		case err != nil:
			log.Printf("DockerEngine: inspect of %s failed (attempt %d): %v", id, attempt+1, err)
		case running:
			// Контейнер запущен, проверяем логи на ошибки старта ядра
			if out, err := e.rt.Logs(ctx, id, 20); err == nil && coreFailed(out) {
				return errors.Errorf("v2ray core reported errors: %s", lastLine(out))
			}
			return nil
		case attempt > 0:
			out, _ := e.rt.Logs(ctx, id, 20)
			return errors.Errorf("v2ray container exited with code %d: %s", exitCode, lastLine(out))
		}

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Errorf("v2ray container not running after %d attempts", e.cfg.ReadyAttempts)
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.current
	if inst == nil {
		return ErrNoSession
	}
	inst.cancel()
	<-inst.done

	e.current = nil
	e.status.Store(nil)
	metrics.EngineContainers.Dec()

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := e.rt.Remove(stopCtx, inst.containerID); err != nil {
		return err
	}
	log.Printf("DockerEngine: container %s for session %s removed", inst.containerID, inst.sessionID)
	return nil
}

func (e *Engine) CurrentStatus() *session.StatusSnapshot {
	return e.status.Load()
}

// watch samples network counters into speeds and reports a fault when the
// container stops on its own.
func (e *Engine) watch(ctx context.Context, inst *instance, events service.Events) {
	defer close(inst.done)

	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()

	var prevRx, prevTx uint64
	var prevAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			running, exitCode, err := e.rt.State(ctx, inst.containerID)
			if ctx.Err() != nil {
				return
			}
			if err == nil && !running {
				go e.lost(inst, events, errors.Errorf("v2ray container exited with code %d", exitCode))
				return
			}
			if err != nil {
				log.Printf("DockerEngine: inspect of %s failed: %v", inst.containerID, err)
				continue
			}

			rx, tx, err := e.rt.NetworkCounters(ctx, inst.containerID)
			if err != nil {
				log.Printf("DockerEngine: stats of %s failed: %v", inst.containerID, err)
				continue
			}
			if !prevAt.IsZero() {
				elapsed := now.Sub(prevAt).Seconds()
				up := rate(prevTx, tx, elapsed)
				down := rate(prevRx, rx, elapsed)
				e.status.Store(&session.StatusSnapshot{State: session.StateConnected, UploadSpeed: up, DownloadSpeed: down})
				events.Traffic(up, down)
			}
			prevRx, prevTx, prevAt = rx, tx, now
		}
	}
}

// lost cleans up after a container that died without Stop and reports it.
func (e *Engine) lost(inst *instance, events service.Events, cause error) {
	e.mu.Lock()
	if e.current != inst {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.status.Store(nil)
	metrics.EngineContainers.Dec()
	e.mu.Unlock()

	log.Printf("DockerEngine: session %s lost: %v", inst.sessionID, cause)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.rt.Remove(ctx, inst.containerID); err != nil {
		log.Printf("DockerEngine: failed to remove dead container %s: %v", inst.containerID, err)
	}
	events.Fault(cause)
}

func rate(prev, cur uint64, seconds float64) int64 {
	if cur < prev || seconds <= 0 {
		return 0
	}
	return int64(float64(cur-prev) / seconds)
}

func coreFailed(logs string) bool {
	lower := strings.ToLower(logs)
	return strings.Contains(lower, "failed to start") || strings.Contains(lower, "failed to load config")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func probeThroughSocks(ctx context.Context, socksAddr, url string) error {
	dialer, err := socksproxy.SOCKS5("tcp", socksAddr, nil, socksproxy.Direct)
	if err != nil {
		return errors.Wrap(err, "failed to create SOCKS5 dialer")
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{Transport: transport, Timeout: 8 * time.Second}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "probe request build failed")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s unreachable via proxy", url)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Errorf("%s returned %d via proxy", url, resp.StatusCode)
	}
	return nil
}

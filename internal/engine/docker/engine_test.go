package docker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"v2raybridge/internal/session"
)

const sampleConfig = `{
	"inbounds": [
		{"port": 10808, "protocol": "socks", "listen": "127.0.0.1"},
		{"port": 10809, "protocol": "http"}
	],
	"outbounds": [
		{
			"protocol": "vless",
			"streamSettings": {
				"network": "ws",
				"wsSettings": {"path": "/ray", "headers": {"Host": "cdn.example.com"}}
			}
		},
		{"protocol": "freedom", "tag": "direct"}
	]
}`

type fakeRuntime struct {
	mu       sync.Mutex
	created  []containerSpec
	removed  []string
	running  bool
	exitCode int
	logs     string
	rx, tx   uint64
	startErr error
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, ref string) error { return nil }

func (f *fakeRuntime) Create(ctx context.Context, spec containerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return "cid-" + spec.Name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeRuntime) State(ctx context.Context, id string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, f.exitCode, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeRuntime) NetworkCounters(ctx context.Context, id string) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rx, f.tx, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	f.running = false
	return nil
}

func (f *fakeRuntime) addTraffic(rx, tx uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx += rx
	f.tx += tx
}

func (f *fakeRuntime) crash(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.exitCode = code
}

func (f *fakeRuntime) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type recordingEvents struct {
	mu      sync.Mutex
	traffic [][2]int64
	faults  chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{faults: make(chan error, 1)}
}

func (r *recordingEvents) Traffic(up, down int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traffic = append(r.traffic, [2]int64{up, down})
}

func (r *recordingEvents) Fault(err error) { r.faults <- err }

func (r *recordingEvents) reports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traffic)
}

func testConfig() Config {
	return Config{SampleInterval: 5 * time.Millisecond, ReadyAttempts: 3, ReadyMinDelay: time.Millisecond}
}

func testOptions() session.Options {
	return session.Options{SessionID: "s1", Config: sampleConfig, Remark: "home", ProxyOnly: true}
}

func TestApplyOptionsToggles(t *testing.T) {
	patched, err := applyOptions(sampleConfig, session.Options{
		Config: sampleConfig, ProxyOnly: true, EnableIPv6: true, EnableMux: true, EnableHTTPUpgrade: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(patched.Inbounds) != 2 || patched.Inbounds[0].Port != 10808 {
		t.Fatalf("unexpected inbounds %+v", patched.Inbounds)
	}
	if addr, ok := patched.socksAddr(); !ok || addr != "127.0.0.1:10808" {
		t.Errorf("unexpected socks addr %q", addr)
	}

	var doc map[string]any
	if err := json.Unmarshal(patched.JSON, &doc); err != nil {
		t.Fatal(err)
	}
	inbounds := doc["inbounds"].([]any)
	if inbounds[0].(map[string]any)["listen"] != "0.0.0.0" {
		t.Errorf("inbound must listen on all interfaces inside the container")
	}

	outbounds := doc["outbounds"].([]any)
	vless := outbounds[0].(map[string]any)
	if mux, ok := vless["mux"].(map[string]any); !ok || mux["enabled"] != true {
		t.Errorf("mux not enabled on proxy outbound: %v", vless["mux"])
	}
	stream := vless["streamSettings"].(map[string]any)
	if stream["network"] != "httpupgrade" {
		t.Errorf("ws not rewritten: %v", stream["network"])
	}
	if _, ok := stream["wsSettings"]; ok {
		t.Errorf("wsSettings left behind")
	}
	hu := stream["httpupgradeSettings"].(map[string]any)
	if hu["path"] != "/ray" || hu["host"] != "cdn.example.com" {
		t.Errorf("unexpected httpupgrade settings %v", hu)
	}
	if _, ok := outbounds[1].(map[string]any)["mux"]; ok {
		t.Errorf("mux set on freedom outbound")
	}
	if doc["dns"].(map[string]any)["queryStrategy"] != "UseIP" {
		t.Errorf("ipv6 not enabled in dns")
	}
}

func TestApplyOptionsDefaults(t *testing.T) {
	patched, err := applyOptions(sampleConfig, session.Options{Config: sampleConfig})
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(patched.JSON, &doc); err != nil {
		t.Fatal(err)
	}
	vless := doc["outbounds"].([]any)[0].(map[string]any)
	if _, ok := vless["mux"]; ok {
		t.Errorf("mux set although disabled")
	}
	if vless["streamSettings"].(map[string]any)["network"] != "ws" {
		t.Errorf("transport rewritten although httpupgrade disabled")
	}
	if doc["dns"].(map[string]any)["queryStrategy"] != "UseIPv4" {
		t.Errorf("unexpected dns strategy")
	}
}

func TestEnginePublishAddress(t *testing.T) {
	tests := []struct {
		name      string
		publishIP string
		want      string
	}{
		{"default is loopback", "", "127.0.0.1"},
		{"explicit address", "0.0.0.0", "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{}
			cfg := testConfig()
			cfg.PublishIP = tt.publishIP
			e := newEngine(rt, cfg)

			opts := testOptions()
			opts.ProxyOnly = false
			if err := e.Start(context.Background(), opts, newRecordingEvents()); err != nil {
				t.Fatal(err)
			}
			defer e.Stop(context.Background())

			if got := rt.created[0].HostIP; got != tt.want {
				t.Errorf("ports published on %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyOptionsRejectsBadConfig(t *testing.T) {
	for _, raw := range []string{
		"x",
		`[]`,
		`{"outbounds":[]}`,
		`{"inbounds":[{"protocol":"socks"}]}`,
	} {
		if _, err := applyOptions(raw, session.Options{Config: raw}); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestEngineStartReportsTrafficAndStops(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEngine(rt, testConfig())
	events := newRecordingEvents()

	if err := e.Start(context.Background(), testOptions(), events); err != nil {
		t.Fatal(err)
	}
	spec := rt.created[0]
	if spec.Name != "v2ray-session-s1" || spec.HostIP != "127.0.0.1" || len(spec.Ports) != 2 {
		t.Fatalf("unexpected container spec %+v", spec)
	}
	if !strings.HasPrefix(spec.Env[0], "V2RAY_CONFIG={") {
		t.Fatalf("config not passed through env: %q", spec.Env[0])
	}
	if s := e.CurrentStatus(); s == nil || s.State != session.StateConnected {
		t.Fatalf("unexpected status %+v", s)
	}

	if err := e.Start(context.Background(), testOptions(), events); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("expected ErrSessionRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for events.reports() < 2 && time.Now().Before(deadline) {
		rt.addTraffic(4096, 1024)
		time.Sleep(5 * time.Millisecond)
	}
	if events.reports() < 2 {
		t.Fatal("no traffic reported")
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.CurrentStatus() != nil {
		t.Fatal("status kept after stop")
	}
	if ids := rt.removedIDs(); len(ids) != 1 || ids[0] != "cid-v2ray-session-s1" {
		t.Fatalf("unexpected removals %v", ids)
	}
	if err := e.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestEngineStartFailureRemovesContainer(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("port is already allocated")}
	e := newEngine(rt, testConfig())

	if err := e.Start(context.Background(), testOptions(), newRecordingEvents()); err == nil {
		t.Fatal("expected start error")
	}
	if len(rt.removedIDs()) != 1 {
		t.Fatal("container not removed after failed start")
	}
	if e.CurrentStatus() != nil {
		t.Fatal("status set after failed start")
	}
}

func TestEngineCoreErrorsInLogsFailStart(t *testing.T) {
	rt := &fakeRuntime{logs: "V2Ray 5.16\nFailed to start: main: failed to load config"}
	e := newEngine(rt, testConfig())

	err := e.Start(context.Background(), testOptions(), newRecordingEvents())
	if err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Fatalf("expected core error, got %v", err)
	}
}

func TestEngineProbe(t *testing.T) {
	rt := &fakeRuntime{}
	cfg := testConfig()
	cfg.ProbeURL = "https://www.gstatic.com/generate_204"
	e := newEngine(rt, cfg)

	var probed string
	e.probe = func(ctx context.Context, socksAddr, url string) error {
		probed = socksAddr
		return errors.New("connection refused")
	}

	if err := e.Start(context.Background(), testOptions(), newRecordingEvents()); err == nil {
		t.Fatal("expected probe failure")
	}
	if probed != "127.0.0.1:10808" {
		t.Fatalf("probe used %q", probed)
	}
	if len(rt.removedIDs()) != 1 {
		t.Fatal("container not removed after failed probe")
	}
}

func TestEngineReportsContainerExit(t *testing.T) {
	rt := &fakeRuntime{}
	e := newEngine(rt, testConfig())
	events := newRecordingEvents()

	if err := e.Start(context.Background(), testOptions(), events); err != nil {
		t.Fatal(err)
	}
	rt.crash(23)

	select {
	case err := <-events.faults:
		if !strings.Contains(err.Error(), "code 23") {
			t.Fatalf("unexpected fault %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault not reported")
	}
	if e.CurrentStatus() != nil {
		t.Fatal("status kept after container exit")
	}
	if err := e.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after loss, got %v", err)
	}
}

func TestRate(t *testing.T) {
	if got := rate(100, 1100, 2); got != 500 {
		t.Errorf("rate = %d", got)
	}
	if got := rate(1000, 10, 1); got != 0 {
		t.Errorf("counter reset must yield 0, got %d", got)
	}
}

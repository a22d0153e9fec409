// Package mobile exposes the session controller to Android and iOS hosts
// through gomobile bind. The host implements PlatformService around its own
// V2Ray service and feeds traffic and faults back with ReportTraffic and
// ReportFault.
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"v2raybridge/internal/session"
	"v2raybridge/internal/session/gateway"
	"v2raybridge/internal/session/service"
)

// PlatformService реализуется на стороне хоста (Kotlin / Swift).
// StartV2Ray и StopV2Ray не возвращаются, пока ядро не подтвердит операцию.
type PlatformService interface {
	StartV2Ray(config, remark string, proxyOnly, enableIPv6, enableMux, enableHTTPUpgrade bool) error
	StopV2Ray() error
}

var (
	controller = service.NewController(nil)
	commands   = gateway.New(controller)

	mu      sync.Mutex
	current *platformEngine
)

// Register attaches the host service. It fails while a session is active.
// Returns "" on success, otherwise a JSON error.
func Register(svc PlatformService) string {
	if svc == nil {
		return encodeError(&gateway.Error{Code: gateway.CodeInvalidArguments, Message: "Invalid arguments: platform service is nil"})
	}
	mu.Lock()
	defer mu.Unlock()
	eng := &platformEngine{svc: svc}
	if err := controller.Attach(eng); err != nil {
		return encodeError(&gateway.Error{Code: gateway.CodeStartError, Message: err.Error()})
	}
	current = eng
	return ""
}

// Unregister detaches the host service. An active session is dropped and the
// host core is asked to stop.
func Unregister() string {
	mu.Lock()
	defer mu.Unlock()
	if err := controller.Detach(); err != nil {
		return encodeError(&gateway.Error{Code: gateway.CodeStopError, Message: err.Error()})
	}
	current = nil
	return ""
}

// StartV2Ray returns "" on success, otherwise a {code, message} JSON error.
func StartV2Ray(config, remark string, proxyOnly, enableIPv6, enableMux, enableHTTPUpgrade bool) string {
	gerr := commands.Start(context.Background(), map[string]any{
		"config":            config,
		"remark":            remark,
		"proxyOnly":         proxyOnly,
		"enableIPv6":        enableIPv6,
		"enableMux":         enableMux,
		"enableHttpUpgrade": enableHTTPUpgrade,
	})
	if gerr != nil {
		return encodeError(gerr)
	}
	return ""
}

func StopV2Ray() string {
	if gerr := commands.Stop(context.Background()); gerr != nil {
		return encodeError(gerr)
	}
	return ""
}

// GetV2RayStatus returns {state, uploadSpeed, downloadSpeed} as JSON.
func GetV2RayStatus() string {
	status, gerr := commands.Query()
	if gerr != nil {
		return encodeError(gerr)
	}
	b, _ := json.Marshal(status)
	return string(b)
}

// Invoke handles a method-channel call with JSON arguments and returns
// {"result": ...} or {"error": {code, message}}.
func Invoke(method, argumentsJSON string) string {
	call := gateway.MethodCall{Method: method}
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &call.Arguments); err != nil {
			return encodeEnvelope(nil, &gateway.Error{Code: gateway.CodeInvalidArguments, Message: "Invalid arguments: " + err.Error()})
		}
	}
	result, gerr := commands.Invoke(context.Background(), call)
	return encodeEnvelope(result, gerr)
}

// ReportTraffic передает скорости, измеренные хостом, в байтах в секунду
func ReportTraffic(upload, download int64) {
	if eng := attached(); eng != nil {
		eng.traffic(upload, download)
	}
}

// ReportFault reports that the host core died without a Stop.
func ReportFault(message string) {
	if eng := attached(); eng != nil {
		eng.fault(errors.New(message))
	}
}

func attached() *platformEngine {
	mu.Lock()
	defer mu.Unlock()
	return current
}

func encodeError(gerr *gateway.Error) string {
	b, _ := json.Marshal(gerr)
	return string(b)
}

func encodeEnvelope(result any, gerr *gateway.Error) string {
	var b []byte
	if gerr != nil {
		b, _ = json.Marshal(map[string]any{"error": gerr})
	} else {
		b, _ = json.Marshal(map[string]any{"result": result})
	}
	return string(b)
}

// platformEngine adapts the host service to service.Engine.
type platformEngine struct {
	svc PlatformService

	mu     sync.Mutex
	events service.Events
	last   *session.StatusSnapshot
}

func (p *platformEngine) Start(ctx context.Context, opts session.Options, events service.Events) error {
	p.mu.Lock()
	p.events = events
	p.last = nil
	p.mu.Unlock()
	return p.svc.StartV2Ray(opts.Config, opts.Remark, opts.ProxyOnly, opts.EnableIPv6, opts.EnableMux, opts.EnableHTTPUpgrade)
}

func (p *platformEngine) Stop(ctx context.Context) error {
	err := p.svc.StopV2Ray()
	p.mu.Lock()
	p.events = nil
	p.last = nil
	p.mu.Unlock()
	return err
}

func (p *platformEngine) CurrentStatus() *session.StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *platformEngine) traffic(upload, download int64) {
	p.mu.Lock()
	p.last = &session.StatusSnapshot{State: session.StateConnected, UploadSpeed: upload, DownloadSpeed: download}
	events := p.events
	p.mu.Unlock()
	if events != nil {
		events.Traffic(upload, download)
	}
}

func (p *platformEngine) fault(err error) {
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.last = nil
	p.mu.Unlock()
	if events != nil {
		events.Fault(err)
	}
}

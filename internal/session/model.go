package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig     = errors.New("config and remark are required")
	ErrAlreadyActive     = errors.New("session already active")
	ErrNotActive         = errors.New("session not active")
	ErrEngineUnavailable = errors.New("proxy engine not attached")
)

// EngineError wraps any failure surfaced by the proxy engine during start,
// stop or while a session is running.
type EngineError struct {
	Op  string // "start", "stop" or "run"
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsEngineFault reports whether err originates from the engine.
func IsEngineFault(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// Config is the per-Start session configuration. It is built once by the
// caller and never mutated afterwards.
type Config struct {
	Config            string // opaque serialized engine configuration
	Remark            string
	ProxyOnly         bool
	EnableIPv6        bool
	EnableMux         bool
	EnableHTTPUpgrade bool
}

// Validate checks presence of the required fields only. The engine payload
// is never interpreted here.
func (c Config) Validate() error {
	if c.Config == "" || c.Remark == "" {
		return ErrInvalidConfig
	}
	return nil
}

// Options is the fully defaulted option set handed to the engine.
type Options struct {
	SessionID         string
	Config            string
	Remark            string
	ProxyOnly         bool
	EnableIPv6        bool
	EnableMux         bool
	EnableHTTPUpgrade bool
}

// StatusSnapshot is an immutable view of the session. Build it with
// NewStatusSnapshot so that the speed invariant holds.
type StatusSnapshot struct {
	State         State
	UploadSpeed   int64 // bytes/second
	DownloadSpeed int64 // bytes/second

	SessionID   string
	Remark      string
	StartedAt   time.Time
	ConnectedAt time.Time
	LastError   string
}

// NewStatusSnapshot returns a snapshot for state with the given speeds.
// Speeds are clamped to zero when negative and forced to zero unless the
// state is Connected.
func NewStatusSnapshot(state State, upload, download int64) StatusSnapshot {
	if state != StateConnected || upload < 0 {
		upload = 0
	}
	if state != StateConnected || download < 0 {
		download = 0
	}
	return StatusSnapshot{
		State:         state,
		UploadSpeed:   upload,
		DownloadSpeed: download,
	}
}

// Disconnected is the zeroed snapshot reported when no session exists.
func Disconnected() StatusSnapshot {
	return NewStatusSnapshot(StateDisconnected, 0, 0)
}

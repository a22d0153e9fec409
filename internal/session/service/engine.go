package service

import (
	"context"

	"v2raybridge/internal/session"
)

// Engine is the capability the controller needs from the external V2Ray
// core. Start and Stop block until the engine confirms the operation.
type Engine interface {
	Start(ctx context.Context, opts session.Options, events Events) error
	Stop(ctx context.Context) error
	// CurrentStatus returns the last status measured by the engine, or nil
	// when it has nothing to report. It must not block.
	CurrentStatus() *session.StatusSnapshot
}

// Events receives reports the engine emits on its own while a session
// exists. Reports for a session that is no longer current are dropped.
type Events interface {
	Traffic(upload, download int64)
	Fault(err error)
}

// sessionEvents binds engine reports to the session that produced them.
type sessionEvents struct {
	c  *Controller
	id string
}

func (e *sessionEvents) Traffic(upload, download int64) {
	e.c.handleTraffic(e.id, upload, download)
}

func (e *sessionEvents) Fault(err error) {
	e.c.handleFault(e.id, err)
}

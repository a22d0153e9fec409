// Package gateway is the command boundary in front of the session
// controller. Every failure leaves it as a coded Error, never as a raw error
// or panic.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"

	"v2raybridge/internal/api/dto"
	"v2raybridge/internal/metrics"
	"v2raybridge/internal/session"
)

const (
	CodeStartError       = "V2RAY_START_ERROR"
	CodeStopError        = "V2RAY_STOP_ERROR"
	CodeStatusError      = "GET_STATUS_ERROR"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
)

const (
	MethodStart  = "startV2Ray"
	MethodStop   = "stopV2Ray"
	MethodStatus = "getV2RayStatus"
)

// Error is the structured failure returned across the boundary.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Status is the wire form of a status query.
type Status struct {
	State         string `json:"state"`
	UploadSpeed   int64  `json:"uploadSpeed"`
	DownloadSpeed int64  `json:"downloadSpeed"`
}

// MethodCall is a named command with loosely typed arguments, as delivered
// by a host method channel.
type MethodCall struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

// Controller is the part of the session controller the gateway drives.
type Controller interface {
	Start(ctx context.Context, cfg session.Config) error
	Stop(ctx context.Context) error
	QueryStatus() session.StatusSnapshot
}

type Gateway struct {
	controller Controller
}

func New(controller Controller) *Gateway {
	return &Gateway{controller: controller}
}

// Start parses args and starts a session. Required: config and remark
// strings. Optional toggles default to false.
func (g *Gateway) Start(ctx context.Context, args map[string]any) (gerr *Error) {
	defer g.observe(MethodStart, &gerr)
	defer recoverInto(&gerr, CodeStartError)

	req, gerr := ParseStartArguments(args)
	if gerr != nil {
		log.Printf("CommandGateway: rejected %s: %s", MethodStart, gerr.Message)
		return gerr
	}

	if err := g.controller.Start(ctx, req.SessionConfig()); err != nil {
		log.Printf("CommandGateway: %s failed: %v", MethodStart, err)
		if errors.Is(err, session.ErrInvalidConfig) {
			return &Error{Code: CodeInvalidArguments, Message: err.Error()}
		}
		return &Error{Code: CodeStartError, Message: err.Error()}
	}
	return nil
}

func (g *Gateway) Stop(ctx context.Context) (gerr *Error) {
	defer g.observe(MethodStop, &gerr)
	defer recoverInto(&gerr, CodeStopError)

	if err := g.controller.Stop(ctx); err != nil {
		log.Printf("CommandGateway: %s failed: %v", MethodStop, err)
		return &Error{Code: CodeStopError, Message: err.Error()}
	}
	return nil
}

func (g *Gateway) Query() (status Status, gerr *Error) {
	defer g.observe(MethodStatus, &gerr)
	defer recoverInto(&gerr, CodeStatusError)

	snap := g.controller.QueryStatus()
	return Status{
		State:         string(snap.State),
		UploadSpeed:   snap.UploadSpeed,
		DownloadSpeed: snap.DownloadSpeed,
	}, nil
}

// Invoke dispatches a method call. Start and Stop yield a nil result.
func (g *Gateway) Invoke(ctx context.Context, call MethodCall) (any, *Error) {
	switch call.Method {
	case MethodStart:
		if gerr := g.Start(ctx, call.Arguments); gerr != nil {
			return nil, gerr
		}
		return nil, nil
	case MethodStop:
		if gerr := g.Stop(ctx); gerr != nil {
			return nil, gerr
		}
		return nil, nil
	case MethodStatus:
		status, gerr := g.Query()
		if gerr != nil {
			return nil, gerr
		}
		return status, nil
	default:
		metrics.SessionCommandsTotal.WithLabelValues("unknown", CodeNotImplemented).Inc()
		return nil, &Error{Code: CodeNotImplemented, Message: fmt.Sprintf("method %q is not implemented", call.Method)}
	}
}

// ParseStartArguments type-checks a startV2Ray argument map. A toggle that
// is absent or null counts as false; one of the wrong type is rejected.
func ParseStartArguments(args map[string]any) (dto.StartRequest, *Error) {
	var req dto.StartRequest
	if args == nil {
		return req, invalid("arguments are required")
	}

	var problems []string
	str := func(key string, dst *string) {
		v, ok := args[key]
		if !ok || v == nil {
			return
		}
		s, ok := v.(string)
		if !ok {
			problems = append(problems, key+" must be a string")
			return
		}
		*dst = s
	}
	flag := func(key string, dst **bool) {
		v, ok := args[key]
		if !ok || v == nil {
			return
		}
		b, ok := v.(bool)
		if !ok {
			problems = append(problems, key+" must be a boolean")
			return
		}
		*dst = &b
	}

	str("config", &req.Config)
	str("remark", &req.Remark)
	flag("proxyOnly", &req.ProxyOnly)
	flag("enableIPv6", &req.EnableIPv6)
	flag("enableMux", &req.EnableMux)
	flag("enableHttpUpgrade", &req.EnableHTTPUpgrade)

	if err := dto.Validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					problems = append(problems, fe.Field()+" is required")
				} else {
					problems = append(problems, fe.Field()+" is invalid")
				}
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return req, invalid(strings.Join(problems, "; "))
	}
	return req, nil
}

func invalid(detail string) *Error {
	return &Error{Code: CodeInvalidArguments, Message: "Invalid arguments: " + detail}
}

func recoverInto(gerr **Error, code string) {
	if r := recover(); r != nil {
		log.Printf("CommandGateway: recovered panic: %v", r)
		*gerr = &Error{Code: code, Message: fmt.Sprint(r)}
	}
}

func (g *Gateway) observe(method string, gerr **Error) {
	code := "OK"
	if *gerr != nil {
		code = (*gerr).Code
	}
	metrics.SessionCommandsTotal.WithLabelValues(method, code).Inc()
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/edgequota/edgegate/internal/config"
)

// Error codes of a failed upstream call.
const (
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	CodeProxyError          = "PROXY_ERROR"
	CodeClientCanceled      = "CLIENT_CANCELED"
)

// ClassProxy is the class of errors that fit no narrower class.
const ClassProxy = "proxy"

// Error is a classified upstream failure. Class is one of the
// config.ErrorClass* values or ClassProxy.
type Error struct {
	Code   string
	Class  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorClass lets breaker error filters match on the class.
func (e *Error) ErrorClass() string { return e.Class }

// ClientCanceled reports whether the client went away. Nothing is written
// to the client in that case.
func (e *Error) ClientCanceled() bool { return e.Class == config.ErrorClassClientCanceled }

// classify maps a transport error to an Error. clientCtx is the inbound
// request context, before the per-service timeout is applied.
func classify(clientCtx context.Context, err error) *Error {
	switch {
	case clientCtx.Err() != nil || errors.Is(err, context.Canceled):
		return &Error{Code: CodeClientCanceled, Class: config.ErrorClassClientCanceled, Status: 499, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return &Error{Code: CodeUpstreamTimeout, Class: config.ErrorClassTimeout, Status: http.StatusGatewayTimeout, Err: err}
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return unreachable(config.ErrorClassDNS, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return unreachable(config.ErrorClassConnectionRefused, err)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return unreachable(config.ErrorClassUnreachable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return unreachable(config.ErrorClassUnreachable, err)
	}
	return &Error{Code: CodeProxyError, Class: ClassProxy, Status: http.StatusBadGateway, Err: err}
}

func unreachable(class string, err error) *Error {
	return &Error{Code: CodeUpstreamUnreachable, Class: class, Status: http.StatusBadGateway, Err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

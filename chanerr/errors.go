// Package chanerr defines the error kinds a Channel surfaces on operation
// promises. The shape — a small struct carrying a classification code plus
// string metadata — is grounded on ezex-io-gopkg/errors.Error ({Code,
// Message, Meta}), adapted so Code is a Kind enum instead of an HTTP status
// and Meta commonly carries the remote address a connect error is
// annotated with.
package chanerr

import (
	"errors"
	"fmt"
)

// Kind classifies a channel error independent of any concrete Go error
// type.
type Kind int

const (
	// KindClosed: the channel is closed or its outbound side is shut down.
	KindClosed Kind = iota
	// KindNotYetConnected: the channel is open but not active.
	KindNotYetConnected
	// KindAlreadyConnected: a second connect was attempted on an active channel.
	KindAlreadyConnected
	// KindConnectionPending: a connect was attempted while one was already pending.
	KindConnectionPending
	// KindConnectTimeout: the connect-timeout timer fired before finishConnect.
	KindConnectTimeout
	// KindConnectRefused: the remote peer refused the connection.
	KindConnectRefused
	// KindNoRoute: no route to the remote address.
	KindNoRoute
	// KindUnresolved: the address could not be resolved.
	KindUnresolved
	// KindShutdownOutput: a write was attempted after shutdown(Outbound).
	KindShutdownOutput
	// KindIO: a generic transport failure.
	KindIO
	// KindUnsupported: an option name was not recognized.
	KindUnsupported
	// KindPortUnreachable: an ICMP port-unreachable was observed on a
	// connectionless transport; transient, never fatal.
	KindPortUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindNotYetConnected:
		return "not yet connected"
	case KindAlreadyConnected:
		return "already connected"
	case KindConnectionPending:
		return "connection pending"
	case KindConnectTimeout:
		return "connect timed out"
	case KindConnectRefused:
		return "connection refused"
	case KindNoRoute:
		return "no route to host"
	case KindUnresolved:
		return "unresolved address"
	case KindShutdownOutput:
		return "channel output shutdown"
	case KindIO:
		return "io error"
	case KindUnsupported:
		return "unsupported option"
	case KindPortUnreachable:
		return "port unreachable"
	default:
		return "unknown"
	}
}

// Error is the concrete error value carried on operation promises.
type Error struct {
	Kind  Kind
	Msg   string
	Meta  map[string]string
	Cause error // contributing context, e.g. the initialCloseCause
}

// New creates an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Meta: map[string]string{}}
}

// Wrap creates an Error of the given kind wrapping cause. It deliberately
// does not regenerate a stack trace — the wrapper's own stack is not useful,
// only cause's is.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Msg: kind.String(), Cause: cause, Meta: map[string]string{}}
}

// WithMeta attaches metadata (e.g. the remote address a connect error is
// annotated with) and returns the receiver for chaining.
func (e *Error) WithMeta(keyVal ...string) *Error {
	if e.Meta == nil {
		e.Meta = map[string]string{}
	}
	for i := 0; i+1 < len(keyVal); i += 2 {
		e.Meta[keyVal[i]] = keyVal[i+1]
	}
	return e
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if addr, ok := e.Meta["remoteAddress"]; ok {
		msg = fmt.Sprintf("%s: %s", msg, addr)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err, or any error below it in the Unwrap chain, is a
// *Error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Kind == kind {
			return true
		}
		err = ce.Cause
	}
	return false
}

var (
	// ErrClosed is a ready-made Closed error for paths that don't need a
	// per-call custom message (e.g. rejecting a write once nulled).
	ErrClosed = New(KindClosed, "channel is closed")
	// ErrShutdownOutput is returned by write() once the outbound side has
	// been shut down but the channel itself remains open.
	ErrShutdownOutput = New(KindShutdownOutput, "channel output shutdown")
	// ErrNotYetConnected is returned by operations that require an active
	// channel while the channel is open but not yet active.
	ErrNotYetConnected = New(KindNotYetConnected, "channel not yet connected")
)

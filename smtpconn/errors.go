package smtpconn

import (
	"errors"
	"fmt"
)

// Phase identifies where in the SMTP dialogue an error occurred.
type Phase int

const (
	// PhaseConnect covers dialing, the server greeting, EHLO and TLS setup.
	PhaseConnect Phase = iota
	// PhaseAuth covers SASL authentication.
	PhaseAuth
	// PhaseSend covers the MAIL, RCPT and DATA sequence.
	PhaseSend
)

// String returns a short name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseAuth:
		return "auth"
	case PhaseSend:
		return "send"
	default:
		return "unknown"
	}
}

// Error wraps a transport or protocol failure with the dialogue phase it
// occurred in. The underlying cause is available through errors.Unwrap.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return e.Phase.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(phase Phase, format string, args ...any) *Error {
	return &Error{Phase: phase, Err: fmt.Errorf(format, args...)}
}

// IsPhase reports whether err is a connection error from the given phase.
func IsPhase(err error, phase Phase) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Phase == phase
}

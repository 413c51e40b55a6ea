package scp03

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAuthenticationFailed is returned when either side's cryptogram does not verify.
	ErrAuthenticationFailed = errors.New("secure channel authentication failed")
	// ErrSecurityViolation is returned when a response fails MAC, padding or counter checks.
	// The session is Broken afterwards.
	ErrSecurityViolation = errors.New("secure channel security violation")
	// ErrSessionBroken is returned by every operation on a Broken session.
	ErrSessionBroken = errors.New("secure channel session broken")
	// ErrSessionClosed is returned when exchanging on a session that is not open.
	ErrSessionClosed = errors.New("secure channel session not open")
	// ErrCommandTooLong is returned when the wrapped command cannot be encoded.
	ErrCommandTooLong = errors.New("command too long for secure messaging")
)

// AuthError represents a handshake failure at a specific step.
type AuthError struct {
	Step    string // "initialize-update", "card-cryptogram" or "external-authenticate"
	SW      uint16 // Status word (if applicable)
	RespLen int    // Response length (if applicable)
	Cause   error  // Underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		if e.SW != 0 {
			return fmt.Sprintf("scp03 %s failed (SW=%04X): %v", e.Step, e.SW, e.Cause)
		}
		return fmt.Sprintf("scp03 %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("scp03 %s failed (SW=%04X len=%d)", e.Step, e.SW, e.RespLen)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassifyAuthError extracts details from an AuthError.
func ClassifyAuthError(err error) (step string, sw uint16, respLen int, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.SW, authErr.RespLen, true
	}
	return "", 0, 0, false
}

// TransportError wraps a failure of the underlying exchanger.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("scp03 %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// violation tags err as a security violation while keeping it inspectable.
type violation struct {
	reason string
	cause  error
}

func (v *violation) Error() string {
	if v.cause != nil {
		return fmt.Sprintf("%v: %s: %v", ErrSecurityViolation, v.reason, v.cause)
	}
	return fmt.Sprintf("%v: %s", ErrSecurityViolation, v.reason)
}

func (v *violation) Is(target error) bool { return target == ErrSecurityViolation }

func (v *violation) Unwrap() error { return v.cause }

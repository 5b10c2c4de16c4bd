package moodle

import (
	"fmt"
)

// ErrorKind classifies a failed webservice call.
type ErrorKind string

const (
	// KindInvalidToken: the token was rejected; re-run the identity bridge.
	KindInvalidToken ErrorKind = "invalid-token"
	// KindRemote: Moodle answered with an exception other than invalidtoken.
	KindRemote ErrorKind = "remote"
	// KindTransient: 429/5xx/network failure, retries exhausted.
	KindTransient ErrorKind = "transient"
	// KindHTTP: non-retryable HTTP status (4xx other than 429).
	KindHTTP ErrorKind = "http"
	// KindDecode: the body could not be parsed.
	KindDecode ErrorKind = "decode"
)

const codeInvalidToken = "invalidtoken"

// Error is the normalized failure of every webservice call.
type Error struct {
	Kind     ErrorKind
	Function string
	// Code is the remote errorcode, e.g. "invalidtoken".
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("moodle %s: %s", e.Function, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so ErrInvalidToken and ErrUpstreamUnavailable can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Function == ""
}

func (e *Error) retryable() bool {
	return e.Kind == KindTransient
}

var (
	// ErrInvalidToken means the stored bearer token must be replaced.
	ErrInvalidToken = &Error{Kind: KindInvalidToken}
	// ErrUpstreamUnavailable means retries were exhausted on transient errors.
	ErrUpstreamUnavailable = &Error{Kind: KindTransient}
)

// remoteError builds the error for a Moodle exception payload.
func remoteError(function, code, message string) *Error {
	kind := KindRemote
	if code == codeInvalidToken {
		kind = KindInvalidToken
	}
	return &Error{Kind: kind, Function: function, Code: code, Message: message}
}

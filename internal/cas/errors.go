package cas

import (
	"errors"
	"fmt"
)

// Code classifies a failed login flow.
type Code string

const (
	CodeCasLinkMissing         Code = "CasLinkMissing"
	CodeCasNoRedirect          Code = "CasNoRedirect"
	CodeExecutionTokenMissing  Code = "ExecutionTokenMissing"
	CodeCasAuthFailed          Code = "CasAuthFailed"
	CodeTicketValidationFailed Code = "TicketValidationFailed"
	CodeTokenExtractionFailed  Code = "TokenExtractionFailed"
)

// Step names a state of the login state machine.
type Step string

const (
	StepFetchLoginPage       Step = "FetchLoginPage"
	StepInitiateCas          Step = "InitiateCas"
	StepNormalizeGateway     Step = "NormalizeGateway"
	StepScrapeExecutionToken Step = "ScrapeExecutionToken"
	StepSubmitCredentials    Step = "SubmitCredentials"
	StepValidateTicket       Step = "ValidateTicket"
	StepFinalizeSession      Step = "FinalizeSession"
	StepLaunchMobile         Step = "LaunchMobile"
	StepExtractToken         Step = "ExtractToken"
)

// Error is the tagged failure returned by every step of the login flow.
type Error struct {
	Code    Code
	Step    Step
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("cas %s at %s", e.Code, e.Step)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Credential reports whether the failure is caused by wrong credentials
// rather than by the remote page shape.
func (e *Error) Credential() bool {
	return e.Code == CodeCasAuthFailed
}

var (
	ErrCasLinkMissing         = &Error{Code: CodeCasLinkMissing}
	ErrCasNoRedirect          = &Error{Code: CodeCasNoRedirect}
	ErrExecutionTokenMissing  = &Error{Code: CodeExecutionTokenMissing}
	ErrCasAuthFailed          = &Error{Code: CodeCasAuthFailed}
	ErrTicketValidationFailed = &Error{Code: CodeTicketValidationFailed}
	ErrTokenExtractionFailed  = &Error{Code: CodeTokenExtractionFailed}
)

func fail(code Code, step Step, msg string, err error) *Error {
	return &Error{Code: code, Step: step, Message: msg, Err: err}
}

const (
	msgConnection = "connection to identity provider failed"
	msgAuth       = "authentication failed: invalid username or password"
)

// UserMessage renders err for an end user. Credential failures are
// reported as such; every other flow failure collapses to a generic
// connection message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Credential() {
		return msgAuth
	}
	return msgConnection
}

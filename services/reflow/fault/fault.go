// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault defines the error taxonomy shared by the reflow engine.
//
// # Description
//
// Every failure the engine can surface falls into one of five classes:
//
//   - ScriptFault: the user script returned an error, panicked, or ran past
//     its execution timeout. Recovered per rerun.
//   - ProtocolError: a malformed frame or unknown message tag. Fatal to the
//     connection.
//   - StateTypeMismatch: a widget's stored type disagrees with its
//     declaration. Recovered by resetting to the declared default.
//   - DuplicateIdentity: two siblings resolve to the same identity.
//     Recovered with an occurrence suffix.
//   - SessionTimeout: inactivity beyond the configured window. The session
//     is closed without notifying the client.
//
// Recoverable problems are carried as Diagnostic values and surfaced to the
// client as Fault messages. Classification uses errors.Is against the
// sentinels below.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrScriptFault matches any *ScriptFault.
	ErrScriptFault = errors.New("script fault")

	// ErrProtocol matches any *ProtocolError.
	ErrProtocol = errors.New("protocol error")

	// ErrStateTypeMismatch is returned when a widget value's type tag
	// disagrees with the stored entry.
	ErrStateTypeMismatch = errors.New("widget state type mismatch")

	// ErrDuplicateIdentity is reported when two siblings share an identity.
	ErrDuplicateIdentity = errors.New("duplicate sibling identity")

	// ErrSessionTimeout is the close reason for inactive sessions.
	ErrSessionTimeout = errors.New("session inactivity timeout")

	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned for operations on a session that is
	// shutting down.
	ErrSessionClosed = errors.New("session closed")
)

// =============================================================================
// Codes
// =============================================================================

// Code is the numeric fault class carried in Fault messages on the wire.
type Code uint8

const (
	CodeUnknown           Code = 0
	CodeScriptFault       Code = 1
	CodeProtocolError     Code = 2
	CodeStateTypeMismatch Code = 3
	CodeDuplicateIdentity Code = 4
	// CodeSessionTimeout is reserved; timeouts are never reported to a client.
	CodeSessionTimeout Code = 5
)

// String returns the snake_case name of the code, used as a metric label.
func (c Code) String() string {
	switch c {
	case CodeScriptFault:
		return "script_fault"
	case CodeProtocolError:
		return "protocol_error"
	case CodeStateTypeMismatch:
		return "state_type_mismatch"
	case CodeDuplicateIdentity:
		return "duplicate_identity"
	case CodeSessionTimeout:
		return "session_timeout"
	default:
		return "unknown"
	}
}

// Sentinel returns the sentinel error for the code, or nil for CodeUnknown.
func (c Code) Sentinel() error {
	switch c {
	case CodeScriptFault:
		return ErrScriptFault
	case CodeProtocolError:
		return ErrProtocol
	case CodeStateTypeMismatch:
		return ErrStateTypeMismatch
	case CodeDuplicateIdentity:
		return ErrDuplicateIdentity
	case CodeSessionTimeout:
		return ErrSessionTimeout
	default:
		return nil
	}
}

// CodeOf classifies err into a Code by walking its wrap chain.
//
// Returns CodeUnknown for nil or unclassified errors.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, ErrScriptFault):
		return CodeScriptFault
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, ErrStateTypeMismatch):
		return CodeStateTypeMismatch
	case errors.Is(err, ErrDuplicateIdentity):
		return CodeDuplicateIdentity
	case errors.Is(err, ErrSessionTimeout):
		return CodeSessionTimeout
	default:
		return CodeUnknown
	}
}

// =============================================================================
// Diagnostic
// =============================================================================

// Diagnostic is a recoverable problem observed during a rerun.
//
// Diagnostics never abort a rerun. They are attached to the outgoing message
// stream after the DeltaBatch they belong to.
type Diagnostic struct {
	Code     Code
	Identity string
	Message  string
}

// Error implements error so a Diagnostic can be wrapped and matched.
func (d Diagnostic) Error() string {
	if d.Identity == "" {
		return fmt.Sprintf("%s: %s", d.Code, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Code, d.Identity, d.Message)
}

// Unwrap returns the sentinel for the diagnostic's code.
func (d Diagnostic) Unwrap() error {
	return d.Code.Sentinel()
}

// AsDiagnostic extracts a Diagnostic from err, if one is in its chain.
func AsDiagnostic(err error) (Diagnostic, bool) {
	var d Diagnostic
	if errors.As(err, &d) {
		return d, true
	}
	return Diagnostic{}, false
}

// =============================================================================
// ScriptFault
// =============================================================================

// ScriptFault reports a rerun that did not produce a tree.
//
// Exactly one of Cause, Panic or TimedOut describes the failure.
type ScriptFault struct {
	// Cause is the error returned by the script, if any.
	Cause error

	// Panic holds the recovered value when the script panicked.
	Panic any

	// TimedOut is set when the run exceeded its execution timeout.
	TimedOut bool

	// Elapsed is how long the run took before it was abandoned or failed.
	Elapsed time.Duration
}

// Error implements error.
func (e *ScriptFault) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("script fault: execution exceeded timeout after %s", e.Elapsed.Round(time.Millisecond))
	case e.Panic != nil:
		return fmt.Sprintf("script fault: panic: %v", e.Panic)
	case e.Cause != nil:
		return fmt.Sprintf("script fault: %v", e.Cause)
	default:
		return "script fault"
	}
}

// Is matches ErrScriptFault.
func (e *ScriptFault) Is(target error) bool {
	return target == ErrScriptFault
}

// Unwrap returns the script's own error.
func (e *ScriptFault) Unwrap() error {
	return e.Cause
}

// =============================================================================
// ProtocolError
// =============================================================================

// ProtocolError reports a wire-level violation by the peer.
type ProtocolError struct {
	Reason string
	Cause  error
}

// Protocolf builds a ProtocolError from a format string.
func Protocolf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Cause)
	}
	return "protocol error: " + e.Reason
}

// Is matches ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// Unwrap returns the underlying decode error, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

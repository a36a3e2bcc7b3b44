/*
 * MIT License
 *
 * Copyright (c) 2019 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package errs carries the error taxonomy of §7 as CodeError values, plus
// ConfigInvalid for configuration, TLS material and key-derivation input
// errors, which are returned to the caller.
package errs

import "fmt"

// CodeError identifies one of the abstract error kinds of spec §7. The
// connection state machine writes its wire responses directly; CodeError
// classifies errors returned by the authorization client, config loading,
// TLS setup and key derivation.
type CodeError uint16

const (
	HandshakeInvalid CodeError = iota + 1
	CommandInvalid
	CommandTimeout
	Forbidden
	TicketInvalid
	BackendUnreachable
	PeerDisconnect
	NotifyFailure
	ConfigInvalid
)

var messages = map[CodeError]string{
	HandshakeInvalid:   "handshake preamble mismatch",
	CommandInvalid:     "unknown command tag",
	CommandTimeout:     "command phase timed out",
	Forbidden:          "forbidden: bad password or disallowed source",
	TicketInvalid:      "ticket rejected",
	BackendUnreachable: "backend dial failed",
	PeerDisconnect:     "peer disconnected",
	NotifyFailure:      "termination notify failed",
	ConfigInvalid:      "invalid configuration",
}

func (c CodeError) String() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "unknown error code"
}

// Error satisfies the error interface so a bare CodeError can be used as a
// comparison target with errors.Is.
func (c CodeError) Error() string {
	return c.String()
}

// Error wraps a CodeError with an optional cause, matching the teacher's
// errors.Error.Error(err) chaining idiom.
type Error struct {
	Code  CodeError
	Cause error
}

func New(code CodeError, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code.String(), e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether err carries the given CodeError, letting callers write
// errors.Is(err, errs.TicketInvalid) against a bare CodeError target.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(CodeError); ok {
		return e.Code == t
	}
	var o *Error
	if ok := asError(target, &o); ok {
		return o.Code == e.Code
	}
	return false
}

func asError(err error, out **Error) bool {
	if v, ok := err.(*Error); ok {
		*out = v
		return true
	}
	return false
}

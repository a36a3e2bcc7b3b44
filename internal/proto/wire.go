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

// Package proto pins the wire constants §4.C/§6 leave to the implementer:
// the cleartext handshake preamble, the 4-byte command tags, their tail
// lengths, and the fixed-size response bytes.
package proto

import "regexp"

// HandshakeV1 is the fixed cleartext preamble sent immediately after TCP
// connect, before TLS. A mismatch closes the socket with no reply (§6).
var HandshakeV1 = []byte("UDSTUNNEL:HANDSHAKE:V1\n")

const (
	CommandLength = 4
	TicketLength  = 64
)

// Commands, each exactly CommandLength ASCII bytes (§4.C).
const (
	CmdOpen = "OPEN"
	CmdTest = "TEST"
	CmdStat = "STAT"
	CmdInfo = "INFO"
)

// Responses are fixed-size byte constants (§4.C).
var (
	RespOK           = []byte("OK\n")
	RespErrorTicket  = []byte("ERROR_TICKET\n")
	RespErrorTimeout = []byte("ERROR_TIMEOUT\n")
	RespErrorCommand = []byte("ERROR_COMMAND\n")
	RespErrorConnect = []byte("ERROR_CONNECT\n")
	RespForbidden    = []byte("FORBIDDEN\n")
)

// TicketRegex is §3's `^[a-zA-Z0-9]{64}$`.
var TicketRegex = regexp.MustCompile(`^[a-zA-Z0-9]{64}$`)

// ValidTicket reports whether b is exactly TicketLength printable
// alphanumeric ASCII bytes.
func ValidTicket(b []byte) bool {
	return len(b) == TicketLength && TicketRegex.Match(b)
}

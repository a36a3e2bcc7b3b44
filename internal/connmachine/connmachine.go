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

// Package connmachine is the per-connection protocol state machine of
// §4.C: handshake has already happened by the time a Machine is built; a
// Machine owns the post-TLS command phase, ticket exchange, backend dial,
// and the proxy splice.
package connmachine

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/virtualcable/udstunnel/internal/authclient"
	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/logging"
	"github.com/virtualcable/udstunnel/internal/proto"
	"github.com/virtualcable/udstunnel/internal/stats"

	"github.com/sirupsen/logrus"
)

// Phase is the explicit state tag §9 asks for in place of the source's
// dynamic runner-function dispatch.
type Phase int

const (
	AwaitCommand Phase = iota
	Proxying
	Closing
)

func (p Phase) String() string {
	switch p {
	case AwaitCommand:
		return "await_command"
	case Proxying:
		return "proxying"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// NotifyFunc enqueues a termination record for asynchronous, best-effort
// delivery. Implementations must not block the caller (§9: "keeps the
// close path non-suspending").
type NotifyFunc func(ticket string, sent, recv int64)

// AllowFunc reports whether a source IP may query STAT/INFO.
type AllowFunc func(ip string) bool

// Machine is one connection's state machine (§3's Connection Record).
type Machine struct {
	conn   net.Conn
	cfg    *config.Config
	reg    *stats.Registry
	auth   *authclient.Client
	allow  AllowFunc
	notify NotifyFunc

	mu           sync.Mutex
	phase        Phase
	tunnelID     string
	source       string
	destination  string
	tlsVersion   string
	tlsCipher    string
	notifyTicket string
	counter      *stats.Counter
	backend      net.Conn
	closeOnce    sync.Once
}

func New(conn net.Conn, cfg *config.Config, reg *stats.Registry, auth *authclient.Client, allow AllowFunc, notify NotifyFunc) *Machine {
	return &Machine{
		conn:   conn,
		cfg:    cfg,
		reg:    reg,
		auth:   auth,
		allow:  allow,
		notify: notify,
		phase:  AwaitCommand,
	}
}

// Conn exposes the underlying connection so a worker's registry can track
// it as an io.Closer.
func (m *Machine) Conn() net.Conn { return m.conn }

func (m *Machine) log() *logging.Entry {
	return logging.New(logrus.DebugLevel, "connection").
		FieldAdd("tunnel_id", m.tunnelID).
		FieldAdd("source", m.source).
		FieldAdd("destination", m.destination).
		FieldAdd("runner", m.phaseString())
}

func (m *Machine) phaseString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase.String()
}

// Run drives the connection from AwaitCommand through to Closing. It
// returns once the connection is fully closed.
func (m *Machine) Run(ctx context.Context) {
	m.tunnelID = fmt.Sprintf("%x", time.Now().UnixMicro())
	if a := m.conn.RemoteAddr(); a != nil {
		m.source = a.String()
	}
	if tc, ok := m.conn.(*tls.Conn); ok {
		st := tc.ConnectionState()
		m.tlsVersion = tlsVersionName(st.Version)
		m.tlsCipher = tls.CipherSuiteName(st.CipherSuite)
	}

	m.awaitCommand(ctx)
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	default:
		return "unknown"
	}
}

// awaitCommand implements the AwaitCommand phase of §4.C: arm a timeout,
// accumulate cmd_buf, then dispatch on the 4-byte tag.
func (m *Machine) awaitCommand(ctx context.Context) {
	timeout := time.Duration(m.cfg.CommandTimeout) * time.Second
	_ = m.conn.SetReadDeadline(time.Now().Add(timeout))

	tag := make([]byte, proto.CommandLength)
	if !m.readFull(tag) {
		return
	}

	switch string(tag) {
	case proto.CmdTest:
		m.clearDeadline()
		m.writeBestEffort(proto.RespOK)
		m.close(ctx)
	case proto.CmdStat:
		m.handleStatsCommand(ctx, true)
	case proto.CmdInfo:
		m.handleStatsCommand(ctx, false)
	case proto.CmdOpen:
		m.handleOpen(ctx)
	default:
		m.writeBestEffort(proto.RespErrorCommand)
		m.close(ctx)
	}
}

// readFull reads exactly len(buf) bytes, or runs the CommandTimeout/
// PeerDisconnect close paths and returns false.
func (m *Machine) readFull(buf []byte) bool {
	if _, err := io.ReadFull(m.conn, buf); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			m.writeBestEffort(proto.RespErrorTimeout)
		}
		m.close(context.Background())
		return false
	}
	return true
}

func (m *Machine) clearDeadline() {
	_ = m.conn.SetReadDeadline(time.Time{})
}

func (m *Machine) writeBestEffort(b []byte) {
	_, _ = m.conn.Write(b)
}

func (m *Machine) handleStatsCommand(ctx context.Context, detailed bool) {
	tail := make([]byte, config.PasswordLength)
	if !m.readFull(tail) {
		return
	}
	m.clearDeadline()

	host, _, _ := net.SplitHostPort(m.source)
	if m.allow != nil && !m.allow(host) {
		m.writeBestEffort(proto.RespForbidden)
		m.close(ctx)
		return
	}

	if !bytes.Equal(bytes.TrimRight(tail, "\x00"), []byte(m.cfg.StatsSecret)) {
		m.writeBestEffort(proto.RespForbidden)
		m.close(ctx)
		return
	}

	// STAT may add further lines in a future revision; the summary line is
	// mandatory and always sent for both STAT and INFO.
	line := m.reg.Snapshot() + "\n"
	m.writeBestEffort([]byte(line))
	m.close(ctx)
}

func (m *Machine) handleOpen(ctx context.Context) {
	tail := make([]byte, proto.TicketLength)
	if !m.readFull(tail) {
		return
	}
	m.clearDeadline()

	if !proto.ValidTicket(tail) {
		m.writeBestEffort(proto.RespErrorTicket)
		m.close(ctx)
		return
	}
	ticket := string(tail)

	clientIP, _, _ := net.SplitHostPort(m.source)

	res, err := m.auth.Resolve(ctx, ticket, clientIP)
	if err != nil {
		m.log().ErrorAdd(true, err).Log()
		m.writeBestEffort(proto.RespErrorTicket)
		m.close(ctx)
		return
	}

	network := dialNetwork(res.Host, m.cfg.IPv6)
	addr := net.JoinHostPort(res.Host, string(res.Port))

	dialer := net.Dialer{Timeout: 10 * time.Second}
	backend, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		m.log().ErrorAdd(true, err).Log()
		m.writeBestEffort(proto.RespErrorConnect)
		m.close(ctx)
		return
	}

	m.mu.Lock()
	m.backend = backend
	m.destination = addr
	m.notifyTicket = res.Notify
	m.phase = Proxying
	m.mu.Unlock()

	m.counter = stats.NewCounter(m.reg)
	m.reg.IncrementConnections()

	m.writeBestEffort(proto.RespOK)

	m.proxy(ctx)
}

// dialNetwork picks tcp6 vs tcp4 per §4.C: prefer IPv6 if host contains
// ':', or if configuration forces IPv6 and host has no '.'.
func dialNetwork(host string, forceV6 bool) string {
	if strings.Contains(host, ":") {
		return "tcp6"
	}
	if forceV6 && !strings.Contains(host, ".") {
		return "tcp6"
	}
	return "tcp4"
}

// proxy implements the Proxying phase: bidirectional splice with byte
// counting, no framing beyond what the transport imposes.
func (m *Machine) proxy(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(&countingWriter{w: m.backend, onWrite: m.counter.AddSent}, m.conn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&countingWriter{w: m.conn, onWrite: m.counter.AddRecv}, m.backend)
	}()

	wg.Wait()
	m.close(ctx)
}

// countingWriter forwards writes to w, reporting each write's length to
// onWrite — the hook io.Copy's internal buffer loop drives on every chunk.
type countingWriter struct {
	w       io.Writer
	onWrite func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.onWrite != nil {
		c.onWrite(int64(n))
	}
	return n, err
}

// close is the idempotent Closing phase of §4.C: cancel the timeout, close
// both transports, and — if a notify ticket was recorded — enqueue exactly
// one termination notify.
func (m *Machine) close(ctx context.Context) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.phase = Closing
		backend := m.backend
		notifyTicket := m.notifyTicket
		counter := m.counter
		m.mu.Unlock()

		m.clearDeadline()
		_ = m.conn.Close()
		if backend != nil {
			_ = backend.Close()
		}

		var sent, recv int64
		if counter != nil {
			counter.Close()
			m.reg.DecrementConnections()
			sent, recv = counter.LocalSent(), counter.LocalRecv()
		}

		if notifyTicket != "" && m.notify != nil {
			m.notify(notifyTicket, sent, recv)
		}
	})
}

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

// Package dispatch is §4.E's Acceptor/Dispatcher: it binds the listen
// socket, reads the wire handshake preamble through a bounded goroutine
// pool, and hands each accepted socket to the least-loaded worker.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	hcuuid "github.com/hashicorp/go-uuid"
	"github.com/sirupsen/logrus"

	"github.com/virtualcable/udstunnel/internal/authclient"
	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/logging"
	"github.com/virtualcable/udstunnel/internal/proto"
	"github.com/virtualcable/udstunnel/internal/stats"
	"github.com/virtualcable/udstunnel/internal/worker"
)

// MaxPreambleReaders bounds the goroutine pool reading handshake preambles
// (§4.E/§5), purely to bound preamble-stall denial of service.
const MaxPreambleReaders = 16

// PreambleTimeout bounds how long a not-yet-upgraded connection may take to
// present its cleartext preamble.
const PreambleTimeout = 5 * time.Second

type Dispatcher struct {
	cfg     *config.Config
	reg     *stats.Registry
	auth    *authclient.Client
	workers []*worker.Worker
	load    []atomic.Int64 // optimistic, handoff-time only — never decremented (§4.E)
	sem     chan struct{}
	ln      *net.TCPListener
	ready   chan struct{}
}

func New(cfg *config.Config, reg *stats.Registry, auth *authclient.Client, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		auth:    auth,
		workers: workers,
		load:    make([]atomic.Int64, len(workers)),
		sem:     make(chan struct{}, MaxPreambleReaders),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listen socket is bound, i.e. once Addr is safe
// to call. Useful for tests and for ListenPort: 0 ephemeral-port binds.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Addr returns the bound listen address. Only valid after Ready is closed.
func (d *Dispatcher) Addr() net.Addr { return d.ln.Addr() }

// Listen binds the listen socket (dual-stack if configured), optionally
// writes a PID file, and runs the accept loop until ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context) error {
	network := "tcp4"
	if d.cfg.IPv6 {
		network = "tcp"
	}

	addr := net.JoinHostPort(d.cfg.ListenAddress, fmt.Sprintf("%d", d.cfg.ListenPort))
	tcpAddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP(network, tcpAddr)
	if err != nil {
		return err
	}
	d.ln = ln
	close(d.ready)
	defer func() { _ = ln.Close() }()

	if err := dropPrivileges(d.cfg.User); err != nil {
		return err
	}

	if d.cfg.PIDFile != "" {
		if err := writePIDFile(d.cfg.PIDFile); err != nil {
			logging.New(logrus.WarnLevel, "could not write pid file").ErrorAdd(true, err).Log()
		}
		defer func() { _ = os.Remove(d.cfg.PIDFile) }()
	}

	logging.New(logrus.InfoLevel, "listening").FieldAdd("addr", ln.Addr().String()).Log()

	return d.acceptLoop(ctx)
}

func (d *Dispatcher) acceptLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// A 3-second accept deadline keeps the stop flag (ctx.Done) observable
		// even while no client is connecting (§4.E/§5).
		_ = d.ln.SetDeadline(time.Now().Add(3 * time.Second))

		conn, err := d.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logging.New(logrus.WarnLevel, "accept failed").ErrorAdd(true, err).Log()
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		select {
		case d.sem <- struct{}{}:
			go d.handlePreamble(ctx, conn)
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

func (d *Dispatcher) handlePreamble(ctx context.Context, conn net.Conn) {
	defer func() { <-d.sem }()

	_ = conn.SetReadDeadline(time.Now().Add(PreambleTimeout))

	buf := make([]byte, len(proto.HandshakeV1))
	if _, err := readFull(conn, buf); err != nil {
		logging.New(logrus.WarnLevel, "preamble read failed").ErrorAdd(true, err).Log()
		_ = conn.Close()
		return
	}

	if string(buf) != string(proto.HandshakeV1) {
		logging.New(logrus.WarnLevel, "handshake preamble mismatch").
			FieldAdd("peer", conn.RemoteAddr().String()).Log()
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	idx := d.bestChild()
	w := d.workers[idx]

	// handoffID is log correlation only — it never leaves the dispatcher and
	// plays no role in worker selection or connection identity.
	handoffID, err := hcuuid.GenerateUUID()
	if err != nil {
		handoffID = "unavailable"
	}
	logging.New(logrus.DebugLevel, "handoff").
		FieldAdd("handoff_id", handoffID).
		FieldAdd("worker", idx).
		FieldAdd("peer", conn.RemoteAddr().String()).Log()

	select {
	case w.Handoffs() <- worker.Handoff{Conn: conn, Peer: conn.RemoteAddr()}:
	case <-ctx.Done():
		_ = conn.Close()
	}
}

// bestChild picks the worker with the fewest handoffs so far and records
// the handoff optimistically: the counter is incremented here and never
// decremented on connection close (§4.E design note — left open for
// implementers to improve with worker polling).
func (d *Dispatcher) bestChild() int {
	best := 0
	for i := range d.load {
		if d.load[i].Load() < d.load[best].Load() {
			best = i
		}
	}
	d.load[best].Add(1)
	return best
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

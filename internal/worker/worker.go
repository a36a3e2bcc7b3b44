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

// Package worker is §4.D's Worker Process, re-architected per §9/§2 as a
// goroutine rather than a forked process: it owns a receive end of a
// channel carrying accepted sockets, upgrades each to TLS using a context
// built once at worker start, and drives many connmachine.Machine
// instances concurrently, tracked in a local auto-removing set.
package worker

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/virtualcable/udstunnel/internal/authclient"
	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/connmachine"
	"github.com/virtualcable/udstunnel/internal/logging"
	"github.com/virtualcable/udstunnel/internal/stats"
)

// Handoff is the IPC payload of §2/§4.D: a pre-handshaked socket plus its
// peer address, transferred from the dispatcher to a worker.
type Handoff struct {
	Conn net.Conn
	Peer net.Addr
}

// Worker owns one event loop's worth of connections (§5: concurrent across
// workers, logically independent within one).
type Worker struct {
	id       int
	runID    string // generated once at New, used only for log correlation
	handoffs chan Handoff
	tlsCfg   *tls.Config
	reg      *stats.Registry
	auth     *authclient.Client
	allow    func(ip string) bool
	cfg      *config.Config

	closer  *connSet
	pending atomic.Int64
	wg      sync.WaitGroup

	notifier *Notifier
}

// New builds a Worker. tlsCfg is built once by BuildTLSConfig and shared
// read-only across every connection this worker serves.
func New(id int, cfg *config.Config, tlsCfg *tls.Config, reg *stats.Registry, auth *authclient.Client, allow func(ip string) bool) *Worker {
	return &Worker{
		id:       id,
		runID:    uuid.New().String(),
		handoffs: make(chan Handoff, 64),
		tlsCfg:   tlsCfg,
		reg:      reg,
		auth:     auth,
		allow:    allow,
		cfg:      cfg,
	}
}

// Pending is the worker's own live count of handoffs it has accepted but
// not yet finished serving. The dispatcher's best_child selection (§4.E)
// keeps its own optimistic, handoff-time counters rather than reading this
// — see dispatch.Dispatcher — so Pending is exposed only for diagnostics.
func (w *Worker) Pending() int64 { return w.pending.Load() }

// Handoffs exposes the send side the dispatcher writes accepted sockets
// into.
func (w *Worker) Handoffs() chan<- Handoff { return w.handoffs }

// Run is the worker's event loop. It returns when ctx is cancelled and all
// outstanding state machines have finished their close path.
func (w *Worker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.closer = newConnSet()
	go func() {
		<-ctx.Done()
		w.closer.closeAll()
	}()

	w.notifier = NewNotifier(w.auth, 128)
	go w.notifier.Run(ctx)

	logging.New(logrus.InfoLevel, "worker started").
		FieldAdd("worker_id", w.id).FieldAdd("worker_run_id", w.runID).Log()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case h, ok := <-w.handoffs:
			if !ok {
				w.wg.Wait()
				return
			}
			w.serve(ctx, h)
		}
	}
}

func (w *Worker) serve(ctx context.Context, h Handoff) {
	w.pending.Add(1)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer w.pending.Add(-1)

		tlsConn := tls.Server(h.Conn, w.tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			logging.New(logrus.WarnLevel, "tls handshake failed").
				FieldAdd("peer", h.Peer.String()).ErrorAdd(true, err).Log()
			_ = h.Conn.Close()
			return
		}

		w.closer.add(tlsConn)
		defer w.closer.remove(tlsConn)

		m := connmachine.New(tlsConn, w.cfg, w.reg, w.auth, w.allow, w.notifier.Enqueue)
		m.Run(ctx)
	}()
}

// Notifier is the dedicated per-worker task §9 asks for: the state
// machine's close path enqueues a termination record instead of awaiting
// the authorization HTTP call itself, bounding concurrent notify load.
type Notifier struct {
	auth *authclient.Client
	ch   chan notifyJob
}

type notifyJob struct {
	ticket string
	sent   int64
	recv   int64
}

func NewNotifier(auth *authclient.Client, buffer int) *Notifier {
	return &Notifier{auth: auth, ch: make(chan notifyJob, buffer)}
}

// Enqueue is a connmachine.NotifyFunc: it never blocks the caller. If the
// bounded channel is full, the notify is dropped and logged — matching
// §4.C's "best-effort; errors are logged, not retried."
func (n *Notifier) Enqueue(ticket string, sent, recv int64) {
	select {
	case n.ch <- notifyJob{ticket: ticket, sent: sent, recv: recv}:
	default:
		logging.New(logrus.ErrorLevel, "termination notify dropped: queue full").
			FieldAdd("notify_ticket", truncate(ticket)).Log()
	}
}

func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-n.ch:
			nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := n.auth.NotifyStop(nctx, j.ticket, j.sent, j.recv); err != nil {
				logging.New(logrus.ErrorLevel, "termination notify failed").
					FieldAdd("notify_ticket", truncate(j.ticket)).ErrorAdd(true, err).Log()
			}
			cancel()
		}
	}
}

func truncate(s string) string {
	if len(s) > 8 {
		return s[:8] + "..."
	}
	return s
}

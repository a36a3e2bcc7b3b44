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

package connmachine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtualcable/udstunnel/internal/authclient"
	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/connmachine"
	"github.com/virtualcable/udstunnel/internal/proto"
	"github.com/virtualcable/udstunnel/internal/stats"
)

func TestConnmachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "connmachine suite")
}

func testConfig() *config.Config {
	c := config.Default
	c.CommandTimeout = 1
	c.StatsSecret = "s3cr3t"
	return &c
}

var _ = Describe("Machine", func() {
	var reg *stats.Registry
	var auth *authclient.Client

	BeforeEach(func() {
		reg = stats.NewRegistry()
		auth = authclient.New("http://127.0.0.1:0", "tok", time.Second, false)
	})

	It("replies OK and closes on TEST (scenario 1)", func() {
		client, server := net.Pipe()
		defer client.Close()

		m := connmachine.New(server, testConfig(), reg, auth, nil, nil)
		done := make(chan struct{})
		go func() {
			m.Run(context.Background())
			close(done)
		}()

		_, err := client.Write([]byte(proto.CmdTest))
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, len(proto.RespOK))
		_, err = client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal(proto.RespOK))

		Eventually(done, time.Second).Should(BeClosed())
		Expect(reg.Total()).To(Equal(int64(0)))
	})

	It("rejects an unknown command tag with ERROR_COMMAND", func() {
		client, server := net.Pipe()
		defer client.Close()

		m := connmachine.New(server, testConfig(), reg, auth, nil, nil)
		go m.Run(context.Background())

		_, _ = client.Write([]byte("ZZZZ"))
		buf := make([]byte, len(proto.RespErrorCommand))
		_, err := client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal(proto.RespErrorCommand))
	})

	It("rejects a malformed ticket without calling authorization (scenario 5)", func() {
		client, server := net.Pipe()
		defer client.Close()

		m := connmachine.New(server, testConfig(), reg, auth, nil, nil)
		go m.Run(context.Background())

		badTicket := strings.Repeat("a", 63) + "!"
		_, _ = client.Write([]byte(proto.CmdOpen))
		_, _ = client.Write([]byte(badTicket))

		buf := make([]byte, len(proto.RespErrorTicket))
		_, err := client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal(proto.RespErrorTicket))
	})

	It("times out the command phase and writes ERROR_TIMEOUT (scenario 7)", func() {
		client, server := net.Pipe()
		defer client.Close()

		cfg := testConfig()
		cfg.CommandTimeout = 1

		m := connmachine.New(server, cfg, reg, auth, nil, nil)
		go m.Run(context.Background())

		buf := make([]byte, len(proto.RespErrorTimeout))
		_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err := client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal(proto.RespErrorTimeout))
	})

	It("forbids INFO from a disallowed source", func() {
		client, server := net.Pipe()
		defer client.Close()

		cfg := testConfig()
		m := connmachine.New(server, cfg, reg, auth, func(ip string) bool { return false }, nil)
		go m.Run(context.Background())

		_, _ = client.Write([]byte(proto.CmdInfo))
		_, _ = client.Write(make([]byte, config.PasswordLength))

		buf := make([]byte, len(proto.RespForbidden))
		_, err := client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf).To(Equal(proto.RespForbidden))
	})

	It("reports the summary line on authorized INFO (scenario 3)", func() {
		client, server := net.Pipe()
		defer client.Close()

		cfg := testConfig()
		m := connmachine.New(server, cfg, reg, auth, func(ip string) bool { return true }, nil)
		go m.Run(context.Background())

		pw := make([]byte, config.PasswordLength)
		copy(pw, cfg.StatsSecret)

		_, _ = client.Write([]byte(proto.CmdInfo))
		_, _ = client.Write(pw)

		buf := make([]byte, 64)
		n, err := client.Read(buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(strings.TrimRight(string(buf[:n]), "\n")).To(Equal(reg.Snapshot()))
	})

	It("completes the OPEN happy path end to end and notifies on close (scenario 4)", func() {
		gotNotify := make(chan string, 1)
		authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/stop/") {
				gotNotify <- r.URL.RawQuery
				w.WriteHeader(http.StatusOK)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"host": "", "port": "", "notify": "NTFY"})
		}))
		defer authSrv.Close()

		backendLn, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer backendLn.Close()

		go func() {
			c, err := backendLn.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 8)
			n, _ := c.Read(buf)
			_, _ = c.Write(buf[:n])
			_ = c.Close()
		}()

		backendHost, backendPort, _ := net.SplitHostPort(backendLn.Addr().String())

		realAuth := authclient.New(authSrv.URL, "tok", time.Second, false)

		// Point the resolve response at the real backend address.
		authSrv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/stop/") {
				gotNotify <- r.URL.RawQuery
				w.WriteHeader(http.StatusOK)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"host": backendHost, "port": backendPort, "notify": "NTFY"})
		})

		client, server := net.Pipe()
		defer client.Close()

		m := connmachine.New(server, testConfig(), reg, realAuth, nil, func(ticket string, sent, recv int64) {
			_ = realAuth.NotifyStop(context.Background(), ticket, sent, recv)
		})
		go m.Run(context.Background())

		ticket := strings.Repeat("a", proto.TicketLength)
		_, _ = client.Write([]byte(proto.CmdOpen))
		_, _ = client.Write([]byte(ticket))

		ok := make([]byte, len(proto.RespOK))
		_, err = client.Read(ok)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(Equal(proto.RespOK))

		payload := []byte("PINGPONG")
		_, _ = client.Write(payload)
		echo := make([]byte, len(payload))
		_, err = client.Read(echo)
		Expect(err).ToNot(HaveOccurred())
		Expect(echo).To(Equal(payload))

		client.Close()

		select {
		case q := <-gotNotify:
			Expect(q).To(ContainSubstring(fmt.Sprintf("sent=%d", len(payload))))
		case <-time.After(2 * time.Second):
			Fail("expected a termination notify")
		}
	})
})

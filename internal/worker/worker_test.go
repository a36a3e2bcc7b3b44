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

package worker_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtualcable/udstunnel/internal/authclient"
	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/proto"
	"github.com/virtualcable/udstunnel/internal/stats"
	"github.com/virtualcable/udstunnel/internal/worker"
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "worker suite")
}

// selfSignedServerTLS builds an in-memory, ephemeral TLS server config, the
// same way the teacher's certificates/certs tests build a throwaway pair.
func selfSignedServerTLS() *tls.Config {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).ToNot(HaveOccurred())

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "udstunnel-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	Expect(err).ToNot(HaveOccurred())

	certPEM := bytes.NewBuffer(nil)
	Expect(pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})).To(Succeed())

	pk, err := x509.MarshalPKCS8PrivateKey(priv)
	Expect(err).ToNot(HaveOccurred())
	keyPEM := bytes.NewBuffer(nil)
	Expect(pem.Encode(keyPEM, &pem.Block{Type: "PRIVATE KEY", Bytes: pk})).To(Succeed())

	cert, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
	Expect(err).ToNot(HaveOccurred())

	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

var _ = Describe("Worker", func() {
	It("closes live connections and returns once its context is cancelled", func() {
		tlsCfg := selfSignedServerTLS()
		reg := stats.NewRegistry()
		auth := authclient.New("http://127.0.0.1:0", "tok", time.Second, false)
		cfg := &config.Config{CommandTimeout: 30}

		w := worker.New(0, cfg, tlsCfg, reg, auth, nil)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(done)
		}()

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()

		w.Handoffs() <- worker.Handoff{Conn: serverConn, Peer: fakeAddr{}}

		// Drive the client half of the TLS handshake so the worker's
		// HandshakeContext completes and the connection is registered.
		clientDone := make(chan struct{})
		go func() {
			defer close(clientDone)
			tlsClient := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true})
			_ = tlsClient.Handshake()
			buf := make([]byte, len(proto.RespErrorTimeout))
			// Block on a read that only a worker-initiated close (via
			// cancellation, not a protocol timeout) can unblock quickly.
			_, _ = tlsClient.Read(buf)
		}()

		Eventually(func() int64 { return w.Pending() }, time.Second).Should(Equal(int64(1)))

		cancel()

		Eventually(done, time.Second).Should(BeClosed())
		Eventually(clientDone, time.Second).Should(BeClosed())
	})
})

type fakeAddr struct{}

func (fakeAddr) Network() string { return "pipe" }
func (fakeAddr) String() string  { return "pipe" }

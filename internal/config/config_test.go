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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/virtualcable/udstunnel/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config suite")
}

const sampleYAML = `
listenAddress: "0.0.0.0"
listenPort: 4443
workerCount: 4
commandTimeoutSeconds: 5
statsSecret: "s3cr3t"
statsAllow:
  - "127.0.0.1"
  - "10.0.0.0/8"
tls:
  certFile: "/etc/udstunnel/cert.pem"
  keyFile: "/etc/udstunnel/key.pem"
  versionMin: "1.2"
authorization:
  baseUrl: "https://uds.example.com/api"
  token: "tok"
  timeout: "3s"
`

var _ = Describe("Load", func() {
	It("decodes a duration string into Authorization.Timeout", func() {
		dir, err := os.MkdirTemp("", "udstunnel-config")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "udstunnel.yaml")
		Expect(os.WriteFile(path, []byte(sampleYAML), 0o644)).To(Succeed())

		cfg, err := config.Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Authorization.Timeout.Time()).To(Equal(3 * time.Second))
		Expect(cfg.ListenPort).To(Equal(4443))
	})

	It("rejects an invalid config, e.g. a missing authorization block", func() {
		dir, err := os.MkdirTemp("", "udstunnel-config")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "udstunnel.yaml")
		Expect(os.WriteFile(path, []byte("listenPort: 4443\n"), 0o644)).To(Succeed())

		_, err = config.Load(path)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("AllowFunc", func() {
	It("allows a bare IP and a CIDR range, denies everything else", func() {
		c := &config.Config{StatsAllow: []string{"127.0.0.1", "10.0.0.0/8"}}
		allow := c.AllowFunc()

		Expect(allow("127.0.0.1")).To(BeTrue())
		Expect(allow("10.1.2.3")).To(BeTrue())
		Expect(allow("8.8.8.8")).To(BeFalse())
	})
})

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

package worker

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/errs"
)

// BuildTLSConfig builds a *tls.Config once, at worker start, from a cert
// path, a key path, optional passphrase, optional cipher string, and a
// minimum TLS version in {1.2, 1.3} defaulting to 1.2 on parse failure —
// matching §4.D's "context built once at worker start." The key path is
// always read: an empty key path is an error, and a key stored inside the
// cert file is not picked up.
func BuildTLSConfig(t config.TLS) (*tls.Config, error) {
	certPEM, keyPEM, err := loadPair(t)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   versionOrDefault(t.VersionMin),
		MaxVersion:   maxVersionOrZero(t.VersionMax),
		CipherSuites: parseCipherList(t.CipherList),
	}, nil
}

func loadPair(t config.TLS) ([]byte, []byte, error) {
	certPEM, err := readFile(t.CertFile)
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := readFile(t.KeyFile)
	if err != nil {
		return nil, nil, err
	}

	if t.Passphrase == "" {
		return certPEM, keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, errs.New(errs.ConfigInvalid, fmt.Errorf("no PEM block in key file"))
	}

	//nolint:staticcheck // encrypted PEM keys are legacy but still seen in deployed cert bundles.
	if x509.IsEncryptedPEMBlock(block) {
		//nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(t.Passphrase))
		if err != nil {
			return nil, nil, errs.New(errs.ConfigInvalid, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	return certPEM, keyPEM, nil
}

func versionOrDefault(v string) uint16 {
	switch v {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}

func maxVersionOrZero(v string) uint16 {
	switch v {
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return 0
	}
}

var cipherByName = func() map[string]uint16 {
	m := map[string]uint16{}
	for _, c := range tls.CipherSuites() {
		m[c.Name] = c.ID
	}
	for _, c := range tls.InsecureCipherSuites() {
		m[c.Name] = c.ID
	}
	return m
}()

func parseCipherList(spec string) []uint16 {
	if spec == "" {
		return nil
	}
	var out []uint16
	for _, name := range splitNonEmpty(spec, ':') {
		if id, ok := cipherByName[name]; ok {
			out = append(out, id)
		}
	}
	return out
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}
	return b, nil
}

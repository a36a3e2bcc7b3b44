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

// Package keycrypt derives per-ticket key and nonce material from a KEM
// shared secret, matching crates/ticket-crypt's HKDF-SHA256 scheme.
package keycrypt

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/virtualcable/udstunnel/internal/errs"
)

const (
	ticketIDLen = 48
	okmLen      = 120
	info        = "openuds-ticket-crypt"
)

// Material holds the five keyed values sliced out of the 120-byte HKDF
// output, in the exact order and boundaries the Python reference uses.
type Material struct {
	KeyPayload   [32]byte
	KeySend      [32]byte
	KeyReceive   [32]byte
	NonceSend    [12]byte
	NonceReceive [12]byte
}

// Derive computes Material from sharedSecret and a 48-byte ticketID. All
// five fields are returned together or none are: a length error on
// ticketID produces a zero Material and a non-nil error, never a partial
// derivation.
func Derive(sharedSecret []byte, ticketID []byte) (Material, error) {
	var m Material

	if len(ticketID) != ticketIDLen {
		return m, errs.New(errs.ConfigInvalid, nil)
	}

	r := hkdf.New(sha256.New, sharedSecret, ticketID, []byte(info))

	okm := make([]byte, okmLen)
	if _, err := io.ReadFull(r, okm); err != nil {
		return Material{}, errs.New(errs.ConfigInvalid, err)
	}

	copy(m.KeyPayload[:], okm[0:32])
	copy(m.KeySend[:], okm[32:64])
	copy(m.KeyReceive[:], okm[64:96])
	copy(m.NonceSend[:], okm[96:108])
	copy(m.NonceReceive[:], okm[108:120])

	return m, nil
}

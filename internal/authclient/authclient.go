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

// Package authclient is the §4.F external collaborator: ticket resolution
// and best-effort termination notify against the authorization service.
package authclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/virtualcable/udstunnel/internal/errs"
)

const userAgent = "udstunnel/1.0"

// Port accepts either wire shape spec §4.F allows for the resolution
// response: a JSON string or a JSON number.
type Port string

func (p *Port) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Port(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = Port(strconv.FormatInt(n, 10))
	return nil
}

// Resolution is the {host, port, notify} triple §4.F's ticket GET returns.
type Resolution struct {
	Host   string `json:"host"`
	Port   Port   `json:"port"`
	Notify string `json:"notify"`
}

// Client is a single shared *http.Client, built once the way
// httpcli.cli.go builds its package-level client singleton.
type Client struct {
	base  string
	token string
	httpc *http.Client
}

func New(base, token string, timeout time.Duration, tlsVerify bool) *Client {
	return &Client{
		base:  base,
		token: token,
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !tlsVerify},
			},
		},
	}
}

// Resolve performs `GET <base>/<ticket>/<clientIP>/<token>`.
func (c *Client) Resolve(ctx context.Context, ticket, clientIP string) (*Resolution, error) {
	u := fmt.Sprintf("%s/%s/%s/%s", c.base, url.PathEscape(ticket), url.PathEscape(clientIP), url.PathEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.New(errs.TicketInvalid, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errs.New(errs.TicketInvalid, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, errs.New(errs.TicketInvalid, fmt.Errorf("authorization service returned status %d", resp.StatusCode))
	}

	var res Resolution
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errs.New(errs.TicketInvalid, err)
	}

	return &res, nil
}

// NotifyStop fires `GET <base>/<notify>/stop/<token>?sent=N&recv=N`. It is
// best-effort per §4.C's Closing state: errors are returned for the caller
// to log, never retried.
func (c *Client) NotifyStop(ctx context.Context, notify string, sent, recv int64) error {
	u := fmt.Sprintf("%s/%s/stop/%s?sent=%d&recv=%d", c.base, url.PathEscape(notify), url.PathEscape(c.token), sent, recv)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.New(errs.NotifyFailure, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errs.New(errs.NotifyFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return nil
}

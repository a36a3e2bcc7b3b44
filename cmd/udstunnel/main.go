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

// Command udstunnel is the CLI surface of §6: --tunnel starts the broker,
// --stats/--detailed-stats connect to a running broker and print its
// INFO/STAT reply.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/virtualcable/udstunnel/internal/authclient"
	"github.com/virtualcable/udstunnel/internal/config"
	"github.com/virtualcable/udstunnel/internal/dispatch"
	"github.com/virtualcable/udstunnel/internal/logging"
	"github.com/virtualcable/udstunnel/internal/proto"
	"github.com/virtualcable/udstunnel/internal/stats"
	"github.com/virtualcable/udstunnel/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		forceIPv6    bool
		wantTunnel   bool
		wantStats    bool
		wantDetailed bool
	)

	root := &cobra.Command{
		Use:   "udstunnel",
		Short: "TLS-terminating TCP tunnel broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected := 0
			for _, b := range []bool{wantTunnel, wantStats, wantDetailed} {
				if b {
					selected++
				}
			}
			if selected != 1 {
				return fmt.Errorf("exactly one of --tunnel, --stats, --detailed-stats is required")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if forceIPv6 {
				cfg.IPv6 = true
			}

			switch {
			case wantTunnel:
				return runTunnel(cfg)
			case wantStats:
				return runStatsClient(cfg, proto.CmdInfo)
			case wantDetailed:
				return runStatsClient(cfg, proto.CmdStat)
			}
			return nil
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "/etc/udstunnel/udstunnel.yaml", "configuration file path")
	root.Flags().BoolVarP(&forceIPv6, "ipv6", "6", false, "force IPv6 for backend dials")
	root.Flags().BoolVarP(&wantTunnel, "tunnel", "t", false, "start the tunnel broker")
	root.Flags().BoolVarP(&wantStats, "stats", "s", false, "print the broker's INFO line")
	root.Flags().BoolVarP(&wantDetailed, "detailed-stats", "d", false, "print the broker's STAT report")
	root.MarkFlagsMutuallyExclusive("tunnel", "stats", "detailed-stats")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runTunnel(cfg *config.Config) error {
	if cfg.Logging.File != "" {
		rf, err := logging.NewRotatingFile(cfg.Logging.File, cfg.Logging.MaxSizeMB*1024*1024, cfg.Logging.Backups)
		if err != nil {
			return err
		}
		l := logrus.New()
		l.SetOutput(rf)
		logging.SetOutput(l)
	}

	tlsCfg, err := worker.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}

	reg := stats.NewRegistry()
	auth := authclient.New(cfg.Authorization.BaseURL, cfg.Authorization.Token, cfg.Authorization.Timeout.Time(), cfg.Authorization.TLSVerify)
	allow := cfg.AllowFunc()

	workers := make([]*worker.Worker, cfg.WorkerCount)
	for i := range workers {
		workers[i] = worker.New(i, cfg, tlsCfg, reg, auth, allow)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, w := range workers {
		go w.Run(ctx)
	}

	if cfg.Metrics.ListenAddress != "" {
		go runMetricsServer(ctx, cfg.Metrics.ListenAddress, reg)
	}

	d := dispatch.New(cfg, reg, auth, workers)
	return d.Listen(ctx)
}

// runMetricsServer serves the optional Prometheus exposition of §11's
// DOMAIN STACK; it is independent of the TLS relay and shuts down with ctx.
func runMetricsServer(ctx context.Context, addr string, reg *stats.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.NewMetricsHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.New(logrus.WarnLevel, "metrics server stopped").ErrorAdd(true, err).Log()
	}
}

// runStatsClient implements the §6 client path: dial the broker, present the
// cleartext handshake preamble, upgrade to TLS, issue INFO or STAT, and print
// the reply.
func runStatsClient(cfg *config.Config, command string) error {
	addr := statsDialAddress(cfg)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer func() { _ = raw.Close() }()

	if _, err := raw.Write(proto.HandshakeV1); err != nil {
		return err
	}

	conn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	defer func() { _ = conn.Close() }()

	pw := make([]byte, config.PasswordLength)
	copy(pw, cfg.StatsSecret)

	if _, err := conn.Write([]byte(command)); err != nil {
		return err
	}
	if _, err := conn.Write(pw); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return nil
}

// statsDialAddress rewrites a wildcard bind address to a loopback address a
// client process on the same host can actually dial.
func statsDialAddress(cfg *config.Config) string {
	host := cfg.ListenAddress
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.ListenPort)
}

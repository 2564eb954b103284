// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/logutil"
)

// Dialer opens backend sockets. Host resolution may block in the
// resolver, so it runs on a small executor pool wrapped in the
// watchdog workaround: the caller's liveness notifier is poked while
// the lookup runs.
type Dialer struct {
	connectTimeout time.Duration
	localAddress   string
	slow           *ants.Pool
}

// NewDialer creates a dialer. localAddress may be empty.
func NewDialer(connectTimeout time.Duration, localAddress string) (*Dialer, error) {
	pool, err := ants.NewPool(8, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Dialer{
		connectTimeout: connectTimeout,
		localAddress:   localAddress,
		slow:           pool,
	}, nil
}

// Close releases the executor pool.
func (d *Dialer) Close() {
	d.slow.Release()
}

// Dial connects to a backend. An address starting with '/' is a UNIX
// socket path. poke is the liveness notifier of the calling worker;
// it is called periodically while a blocking lookup runs.
func (d *Dialer) Dial(ctx context.Context, b *Backend, poke func()) (net.Conn, error) {
	if strings.HasPrefix(b.Address, "/") {
		return d.dial(ctx, "unix", b.Address, nil)
	}

	host, port, err := net.SplitHostPort(b.Address)
	if err != nil {
		return nil, withCode(moerr.NewBadConfig("bad backend address %q", b.Address), codeBackend)
	}
	addrs, err := d.resolve(ctx, host, poke)
	if err != nil || len(addrs) == 0 {
		return nil, withCode(moerr.NewNoAvailableBackend(b.Name), codeBackend)
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := d.dial(ctx, "tcp", net.JoinHostPort(a.String(), port), d.local())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *Dialer) local() net.Addr {
	if d.localAddress == "" {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(d.localAddress)}
}

func (d *Dialer) dial(ctx context.Context, network, address string, local net.Addr) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   d.connectTimeout,
		KeepAlive: 30 * time.Second,
		LocalAddr: local,
		Control:   controlOutbound,
	}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil && local != nil {
		// A bad local-address binding falls back to the default
		// source address rather than failing the route.
		logutil.Warn("local-address bind failed, using default",
			zap.String("local", local.String()), zap.Error(err))
		dialer.LocalAddr = nil
		conn, err = dialer.DialContext(ctx, network, address)
	}
	if err != nil {
		return nil, withCode(err, codeBackend)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// resolve performs the getaddrinfo-equivalent lookup on the executor
// pool, poking the watchdog while it runs.
func (d *Dialer) resolve(ctx context.Context, host string, poke func()) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	type result struct {
		ips []net.IP
		err error
	}
	resC := make(chan result, 1)
	if err := d.slow.Submit(func() {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		resC <- result{ips: ips, err: err}
	}); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case r := <-resC:
			return r.ips, r.err
		case <-ticker.C:
			if poke != nil {
				poke()
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// controlOutbound sets the outbound socket options before connect.
func controlOutbound(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

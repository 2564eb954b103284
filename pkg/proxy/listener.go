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
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/moxyio/moxy/pkg/logutil"
)

// reusePortSupported remembers whether the kernel accepted
// SO_REUSEPORT; it is detected at runtime, kernels older than 3.9
// refuse it.
var reusePortSupported atomic.Bool

func init() {
	reusePortSupported.Store(true)
}

// ListenMode selects how client sockets are distributed.
type ListenMode int

const (
	// ListenShared: one bind; accepted sockets are handed to workers
	// round-robin.
	ListenShared ListenMode = iota
	// ListenUniqueTCP: every worker binds its own socket with
	// SO_REUSEPORT and the kernel does the distribution.
	ListenUniqueTCP
)

// controlListener sets the listening socket options. IP_FREEBIND is a
// fallback for interfaces that are not up yet.
func controlListener(reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				sockErr = err
				return
			}
			if reusePort {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					// Old kernel; downgrade to the shared listener.
					reusePortSupported.Store(false)
					sockErr = err
					return
				}
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
				sockErr = err
				return
			}
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				sockErr = err
				return
			}
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_FREEBIND, 1); err != nil {
				// Not fatal: only needed when the interface is down.
				logutil.Debugf("IP_FREEBIND not set: %v", err)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// listen binds one listening socket. With mode ListenUniqueTCP it asks
// for SO_REUSEPORT, falling back to a shared bind when the kernel
// refuses.
func listen(address string, mode ListenMode) (net.Listener, ListenMode, error) {
	wantReuse := mode == ListenUniqueTCP && reusePortSupported.Load()
	lc := net.ListenConfig{Control: controlListener(wantReuse)}
	l, err := lc.Listen(context.TODO(), "tcp", address)
	if err != nil && wantReuse && !reusePortSupported.Load() {
		logutil.Warn("SO_REUSEPORT unsupported, using a shared listener")
		lc = net.ListenConfig{Control: controlListener(false)}
		l, err = lc.Listen(context.TODO(), "tcp", address)
		mode = ListenShared
	}
	if err != nil {
		return nil, mode, err
	}
	if !wantReuse {
		mode = ListenShared
	}
	return l, mode, nil
}

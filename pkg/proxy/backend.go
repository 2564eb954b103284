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
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/moxyio/moxy/pkg/config"
)

// BackendState is set by the external monitor modules; the core only
// reads it.
type BackendState int32

const (
	BackendRunning BackendState = iota
	BackendDraining
	BackendDown
)

// Backend is one target server.
type Backend struct {
	// ID is stable for the process lifetime.
	ID string
	// Name is the configured unique name.
	Name string
	// Address is host:port, or an absolute path for a UNIX socket.
	Address string

	state atomic.Int32

	// maxRoutingConnections caps concurrent routing connections;
	// 0 means unlimited.
	maxRoutingConnections int
	// connCount is the number of live routing connections.
	connCount atomic.Int64
	// connIntents counts connections being established, so racing
	// workers cannot overshoot the cap.
	connIntents atomic.Int64
}

func newBackend(cfg config.ServerConfig) *Backend {
	return &Backend{
		ID:                    uuid.NewString(),
		Name:                  cfg.Name,
		Address:               cfg.Address,
		maxRoutingConnections: cfg.MaxRoutingConnections,
	}
}

// IsRunning reports whether the monitor currently considers the server
// usable.
func (b *Backend) IsRunning() bool {
	return BackendState(b.state.Load()) == BackendRunning
}

// SetState is the monitor-facing entry point.
func (b *Backend) SetState(s BackendState) {
	b.state.Store(int32(s))
}

// ConnCount returns the number of live routing connections.
func (b *Backend) ConnCount() int64 {
	return b.connCount.Load()
}

// tryReserveConn takes a connection intent against the cap. The caller
// must pair it with either commitConn or releaseIntent.
func (b *Backend) tryReserveConn() bool {
	if b.maxRoutingConnections <= 0 {
		b.connIntents.Add(1)
		return true
	}
	for {
		count := b.connCount.Load()
		intents := b.connIntents.Load()
		if count+intents >= int64(b.maxRoutingConnections) {
			return false
		}
		if b.connIntents.CompareAndSwap(intents, intents+1) {
			return true
		}
	}
}

func (b *Backend) commitConn() {
	b.connCount.Add(1)
	b.connIntents.Add(-1)
}

func (b *Backend) releaseIntent() {
	b.connIntents.Add(-1)
}

func (b *Backend) releaseConn() {
	b.connCount.Add(-1)
}

// hasCapacity reports whether a new routing connection may be opened.
func (b *Backend) hasCapacity() bool {
	if b.maxRoutingConnections <= 0 {
		return true
	}
	return b.connCount.Load()+b.connIntents.Load() < int64(b.maxRoutingConnections)
}

// BackendRegistry is the static set of configured backend servers.
// Registrations complete before the workers start; later reads are
// lock-free in practice but keep the mutex for admin-side mutation.
type BackendRegistry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	ordered  []*Backend
}

// NewBackendRegistry builds the registry from configuration.
func NewBackendRegistry(servers []config.ServerConfig) *BackendRegistry {
	r := &BackendRegistry{backends: make(map[string]*Backend, len(servers))}
	for _, s := range servers {
		b := newBackend(s)
		r.backends[b.Name] = b
		r.ordered = append(r.ordered, b)
	}
	return r
}

// Get returns the backend with the given name, or nil.
func (r *BackendRegistry) Get(name string) *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// All returns the backends in configuration order.
func (r *BackendRegistry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, len(r.ordered))
	copy(out, r.ordered)
	return out
}

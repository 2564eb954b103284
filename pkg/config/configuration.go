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

package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/common/system"
	"github.com/moxyio/moxy/pkg/logutil"
)

// MaxWorkers is the compile-time hard cap on routing workers.
const MaxWorkers = 256

// Duration wraps time.Duration for toml decoding of "10s" style values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ServerConfig names one backend server.
type ServerConfig struct {
	// Name is the unique server name.
	Name string `toml:"name"`
	// Address is host:port, or an absolute path for a UNIX socket.
	Address string `toml:"address"`
	// MaxRoutingConnections caps concurrent proxy connections to this
	// server; 0 means unlimited.
	MaxRoutingConnections int `toml:"max-routing-connections"`
}

// ProxyParameters is the static configuration of the proxy core. The
// file grammar is section + key=value; unknown keys are rejected at the
// admin boundary before a routing worker ever sees them.
type ProxyParameters struct {
	// ListenAddress is the client-facing address.
	ListenAddress string `toml:"listen-address"`

	// Threads is the desired number of routing workers. Zero means
	// auto: the detected vcpu count.
	Threads int `toml:"threads"`

	// UniquePort makes every worker bind its own listening socket with
	// SO_REUSEPORT when the kernel supports it.
	UniquePort bool `toml:"unique-port"`

	// LocalAddress optionally binds the source address of outbound
	// connections.
	LocalAddress string `toml:"local-address"`

	// GlobalPoolCap is the process-wide cap on pooled backend
	// connections; each worker gets floor(cap / workers created).
	GlobalPoolCap int `toml:"persistpoolmax"`

	// PersistMaxTime is how long an idle pooled connection may live.
	PersistMaxTime Duration `toml:"persistmaxtime"`

	// MultiplexTimeout bounds how long an endpoint waits for backend
	// connection admission before failing.
	MultiplexTimeout Duration `toml:"multiplex-timeout"`

	// IdleClientTimeout closes client sessions idle for longer; zero
	// disables the check.
	IdleClientTimeout Duration `toml:"idle-client-timeout"`

	// RebalancePeriod is how often the main worker considers moving
	// sessions between workers; zero disables rebalancing.
	RebalancePeriod Duration `toml:"rebalance-period"`

	// RebalanceThreshold is the load percentage gap between the
	// hottest and coldest worker that triggers a move.
	RebalanceThreshold int `toml:"rebalance-threshold"`

	// RebalanceWindow is the number of one-second load samples in the
	// rolling average; 1 means instantaneous load.
	RebalanceWindow int `toml:"rebalance-window"`

	// SessionCommandHistoryLen bounds the per-session command history;
	// 0 keeps an unbounded history.
	SessionCommandHistoryLen int `toml:"max-sescmd-history"`

	// PruneSescmdHistory allows recovery from a truncated history.
	PruneSescmdHistory bool `toml:"prune-sescmd-history"`

	// RetainedStatements is the size of the per-session ring of last
	// statements kept for post-mortem dumps.
	RetainedStatements int `toml:"retain-last-statements"`

	// ConnectTimeout bounds backend dialing.
	ConnectTimeout Duration `toml:"connect-timeout"`

	// Servers is the static backend set.
	Servers []ServerConfig `toml:"servers"`

	// Log configures the global logger.
	Log logutil.LogConfig `toml:"log"`
}

// SetDefaultValues fills unset knobs with their defaults.
func (p *ProxyParameters) SetDefaultValues() {
	if p.ListenAddress == "" {
		p.ListenAddress = "0.0.0.0:4006"
	}
	if p.Threads == 0 {
		p.Threads = system.VCPUCount()
	}
	if p.Threads > MaxWorkers {
		p.Threads = MaxWorkers
	}
	if p.GlobalPoolCap == 0 {
		p.GlobalPoolCap = 64
	}
	if p.PersistMaxTime.Duration == 0 {
		p.PersistMaxTime.Duration = 30 * time.Second
	}
	if p.MultiplexTimeout.Duration == 0 {
		p.MultiplexTimeout.Duration = 60 * time.Second
	}
	if p.RebalanceThreshold == 0 {
		p.RebalanceThreshold = 20
	}
	if p.RebalanceWindow == 0 {
		p.RebalanceWindow = 10
	}
	if p.RetainedStatements == 0 {
		p.RetainedStatements = 16
	}
	if p.ConnectTimeout.Duration == 0 {
		p.ConnectTimeout.Duration = 3 * time.Second
	}
}

// Validate rejects configurations a routing worker must never see.
func (p *ProxyParameters) Validate() error {
	if p.Threads < 1 || p.Threads > MaxWorkers {
		return moerr.NewBadConfig("threads must be in [1, %d], got %d", MaxWorkers, p.Threads)
	}
	if p.GlobalPoolCap < 0 {
		return moerr.NewBadConfig("persistpoolmax must not be negative")
	}
	if p.RebalanceThreshold < 0 || p.RebalanceThreshold > 100 {
		return moerr.NewBadConfig("rebalance-threshold must be a percentage")
	}
	seen := make(map[string]struct{}, len(p.Servers))
	for _, s := range p.Servers {
		if s.Name == "" {
			return moerr.NewBadConfig("server without a name")
		}
		if _, dup := seen[s.Name]; dup {
			return moerr.NewBadConfig("duplicate server name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Address == "" {
			return moerr.NewBadConfig("server %q without an address", s.Name)
		}
	}
	return nil
}

// Load reads parameters from a file, applies defaults and validates.
func Load(path string) (*ProxyParameters, error) {
	var p ProxyParameters
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, moerr.NewBadConfig("%s", err.Error())
	}
	p.SetDefaultValues()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

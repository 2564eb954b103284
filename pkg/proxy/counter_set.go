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
	"sync/atomic"

	"go.uber.org/zap"
)

// counterSet contains all items that need to be tracked in the proxy
// core.
type counterSet struct {
	connAccepted      atomic.Int64
	connTotal         atomic.Int64
	clientDisconnect  atomic.Int64
	serverDisconnect  atomic.Int64
	sessionsKilled    atomic.Int64
	sessionsMigrated  atomic.Int64
	admissionQueued   atomic.Int64
	admissionTimedOut atomic.Int64
	poolHits          atomic.Int64
	poolMisses        atomic.Int64
	replaysStarted    atomic.Int64
	replaysDiverged   atomic.Int64
}

// newCounterSet creates a new counterSet.
func newCounterSet() *counterSet {
	return &counterSet{}
}

// updateWithErr updates the counterSet according to the error.
func (s *counterSet) updateWithErr(err error) {
	if err == nil {
		return
	}
	switch getErrorCode(err) {
	case codeClientDisconnect:
		s.clientDisconnect.Add(1)
	case codeServerDisconnect, codeBackend:
		s.serverDisconnect.Add(1)
	case codeAdmission:
		s.admissionTimedOut.Add(1)
	}
}

// export renders the counters as zap fields for the periodic stats log.
func (s *counterSet) export() []zap.Field {
	return []zap.Field{
		zap.Int64("accepted connections", s.connAccepted.Load()),
		zap.Int64("total connections", s.connTotal.Load()),
		zap.Int64("client disconnect", s.clientDisconnect.Load()),
		zap.Int64("server disconnect", s.serverDisconnect.Load()),
		zap.Int64("sessions killed", s.sessionsKilled.Load()),
		zap.Int64("sessions migrated", s.sessionsMigrated.Load()),
		zap.Int64("admission queued", s.admissionQueued.Load()),
		zap.Int64("admission timed out", s.admissionTimedOut.Load()),
		zap.Int64("pool hits", s.poolHits.Load()),
		zap.Int64("pool misses", s.poolMisses.Load()),
		zap.Int64("replays started", s.replaysStarted.Load()),
		zap.Int64("replays diverged", s.replaysDiverged.Load()),
	}
}

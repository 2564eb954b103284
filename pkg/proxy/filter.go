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

// Filter is a pluggable interceptor, instantiated once per service.
type Filter interface {
	// NewFilterSession binds the filter to one client session.
	NewFilterSession(s *Session) (FilterSession, error)
}

// FilterSession intercepts packets in both directions. A filter may
// short-circuit the current request by calling SessionSetResponse, after
// which the core stops forwarding downstream and delivers the provided
// buffer upstream instead.
type FilterSession interface {
	// RouteQuery sees each client packet on the way down. Returning
	// false is fatal for the session.
	RouteQuery(packet []byte) bool

	// ClientReply sees each reply packet on the way up. Returning
	// false is fatal for the session.
	ClientReply(packet []byte, reply *Reply) bool

	// Close releases the filter session.
	Close()
}

// SessionSetResponse short-circuits the current request: the buffer is
// delivered upstream as the reply and the request is not forwarded
// further downstream. Only valid from a filter's RouteQuery on the
// session's own worker.
func SessionSetResponse(s *Session, buffer []byte) {
	s.setResponse(buffer)
}

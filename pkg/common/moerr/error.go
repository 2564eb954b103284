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

package moerr

import (
	"errors"
	"fmt"
)

// MySQLDefaultSqlState is used when no more precise state applies.
const MySQLDefaultSqlState = "HY000"

// CommunicationSqlState is the SQLSTATE for protocol-level failures.
// Protocol and routing errors carry it; kills and admission failures
// use their own states.
const CommunicationSqlState = "08S01"

const (
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart    uint16 = 20100
	ErrInternal uint16 = 20101
	ErrNYI      uint16 = 20102

	// Group 2: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301
	ErrInvalidState uint16 = 20302

	// Group 3: protocol and routing
	ErrProtocol           uint16 = 20400
	ErrMalformedPacket    uint16 = 20401
	ErrUnknownCommand     uint16 = 20402
	ErrBackendLost        uint16 = 20403
	ErrBackendAuth        uint16 = 20404
	ErrNoAvailableBackend uint16 = 20405
	ErrRoutingFailed      uint16 = 20406
	ErrReplayDiverged     uint16 = 20407

	// Group 4: admission and timeouts
	ErrTooManyConnections uint16 = 20500
	ErrConnTimeout        uint16 = 20501
	ErrSessionKilled      uint16 = 20502

	// Group 5: resources
	ErrOOM         uint16 = 20600
	ErrFdExhausted uint16 = 20601
)

type item struct {
	mysqlCode uint16
	sqlState  string
	format    string
}

var errorItems = map[uint16]item{
	ErrInternal:           {1815, MySQLDefaultSqlState, "internal error: %s"},
	ErrNYI:                {1235, "42000", "%s is not yet implemented"},
	ErrBadConfig:          {1105, MySQLDefaultSqlState, "invalid configuration: %s"},
	ErrInvalidInput:       {1105, MySQLDefaultSqlState, "invalid input: %s"},
	ErrInvalidState:       {1105, MySQLDefaultSqlState, "invalid state: %s"},
	ErrProtocol:           {1047, CommunicationSqlState, "protocol error: %s"},
	ErrMalformedPacket:    {2027, CommunicationSqlState, "malformed packet: %s"},
	ErrUnknownCommand:     {1047, CommunicationSqlState, "unknown command: %s"},
	ErrBackendLost:        {2013, CommunicationSqlState, "lost connection to backend server %s"},
	ErrBackendAuth:        {1045, "28000", "access denied for backend server %s"},
	ErrNoAvailableBackend: {2003, CommunicationSqlState, "no available backend server: %s"},
	ErrRoutingFailed:      {1047, CommunicationSqlState, "routing failed: %s"},
	ErrReplayDiverged:     {1105, MySQLDefaultSqlState, "transaction replay diverged: %s"},
	ErrTooManyConnections: {1040, "08004", "too many connections to server %s"},
	ErrConnTimeout:        {1040, "08004", "timed out waiting for a connection to server %s"},
	ErrSessionKilled:      {1927, "70100", "connection was killed: %s"},
	ErrOOM:                {1038, MySQLDefaultSqlState, "out of memory"},
	ErrFdExhausted:        {1041, MySQLDefaultSqlState, "out of file descriptors"},
}

// Error is a coded error that renders directly to a MySQL ERR packet.
type Error struct {
	code      uint16
	mysqlCode uint16
	sqlState  string
	message   string
}

func (e *Error) Error() string {
	return e.message
}

// ErrorCode returns the internal error code.
func (e *Error) ErrorCode() uint16 {
	return e.code
}

// MySQLCode returns the error number placed in the ERR packet.
func (e *Error) MySQLCode() uint16 {
	return e.mysqlCode
}

// SqlState returns the five byte SQLSTATE for the ERR packet.
func (e *Error) SqlState() string {
	return e.sqlState
}

func newError(code uint16, args ...any) *Error {
	it, ok := errorItems[code]
	if !ok {
		panic(fmt.Sprintf("moerr: unknown error code %d", code))
	}
	msg := it.format
	if len(args) > 0 {
		msg = fmt.Sprintf(it.format, args...)
	}
	return &Error{
		code:      code,
		mysqlCode: it.mysqlCode,
		sqlState:  it.sqlState,
		message:   msg,
	}
}

// IsMoErrCode reports whether err is a moerr with the given code.
func IsMoErrCode(err error, code uint16) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.code == code
	}
	return false
}

// ConvertError returns err as a *Error, wrapping anything else as an
// internal error.
func ConvertError(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return NewInternalError(err.Error())
}

func NewInternalError(msg string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(msg, args...))
}

func NewNYI(what string) *Error {
	return newError(ErrNYI, what)
}

func NewBadConfig(msg string, args ...any) *Error {
	return newError(ErrBadConfig, fmt.Sprintf(msg, args...))
}

func NewInvalidInput(msg string, args ...any) *Error {
	return newError(ErrInvalidInput, fmt.Sprintf(msg, args...))
}

func NewInvalidState(msg string, args ...any) *Error {
	return newError(ErrInvalidState, fmt.Sprintf(msg, args...))
}

func NewProtocolError(msg string, args ...any) *Error {
	return newError(ErrProtocol, fmt.Sprintf(msg, args...))
}

func NewMalformedPacket(msg string, args ...any) *Error {
	return newError(ErrMalformedPacket, fmt.Sprintf(msg, args...))
}

func NewUnknownCommand(cmd byte) *Error {
	return newError(ErrUnknownCommand, fmt.Sprintf("0x%02x", cmd))
}

func NewBackendLost(server string) *Error {
	return newError(ErrBackendLost, server)
}

func NewBackendAuth(server string) *Error {
	return newError(ErrBackendAuth, server)
}

func NewNoAvailableBackend(msg string) *Error {
	return newError(ErrNoAvailableBackend, msg)
}

func NewRoutingFailed(msg string, args ...any) *Error {
	return newError(ErrRoutingFailed, fmt.Sprintf(msg, args...))
}

func NewReplayDiverged(msg string) *Error {
	return newError(ErrReplayDiverged, msg)
}

func NewTooManyConnections(server string) *Error {
	return newError(ErrTooManyConnections, server)
}

func NewConnTimeout(server string) *Error {
	return newError(ErrConnTimeout, server)
}

func NewSessionKilled(reason string) *Error {
	return newError(ErrSessionKilled, reason)
}

func NewOOM() *Error {
	return newError(ErrOOM)
}

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

package stopper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
)

func TestStopWaitsForTasks(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := NewStopper("test")
	var done atomic.Bool
	require.NoError(t, s.RunNamedTask("waiter", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		done.Store(true)
	}))
	s.Stop()
	require.True(t, done.Load())
}

func TestRunAfterStopFails(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := NewStopper("test")
	s.Stop()
	err := s.RunTask(func(ctx context.Context) {})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestStopIsIdempotent(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := NewStopper("test")
	require.NoError(t, s.RunTask(func(ctx context.Context) {
		<-ctx.Done()
	}))
	go s.Stop()
	s.Stop()
}

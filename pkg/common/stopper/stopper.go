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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable is returned by RunNamedTask after the stopper
	// began to stop.
	ErrUnavailable = errors.New("stopper is unavailable")
)

type state int32

const (
	stateRunning state = iota
	stateStopping
	stateStopped
)

// Option sets a stopper option.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	stopTimeout  time.Duration
	timeoutTaskF func(tasks []string, timeAfterStop time.Duration)
}

func (opts *options) adjust() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
}

// WithLogger sets the logger used to report task timeouts on stop.
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithStopTimeout reports tasks that are still running timeout after
// Stop is called.
func WithStopTimeout(timeout time.Duration, f func(tasks []string, after time.Duration)) Option {
	return func(opts *options) {
		opts.stopTimeout = timeout
		opts.timeoutTaskF = f
	}
}

// Stopper manages a set of long-running named goroutines that share one
// cancellation. Stop cancels the shared context and waits for all of
// them to return.
type Stopper struct {
	name    string
	opts    *options
	state   atomic.Int32
	cancel  context.CancelFunc
	ctx     context.Context
	stopC   chan struct{}
	wg      sync.WaitGroup
	nextID  atomic.Uint64
	mu      sync.Mutex
	running map[uint64]string
}

// NewStopper creates a stopper with the given name.
func NewStopper(name string, opt ...Option) *Stopper {
	s := &Stopper{
		name:    name,
		opts:    &options{},
		stopC:   make(chan struct{}),
		running: make(map[uint64]string),
	}
	for _, o := range opt {
		o(s.opts)
	}
	s.opts.adjust()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RunNamedTask runs task on a new goroutine. The context passed to task
// is cancelled when Stop is called; the task must return promptly after
// that.
func (s *Stopper) RunNamedTask(name string, task func(context.Context)) error {
	if state(s.state.Load()) != stateRunning {
		return ErrUnavailable
	}
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.running[id] = name
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			s.wg.Done()
		}()
		task(s.ctx)
	}()
	return nil
}

// RunTask is RunNamedTask with an anonymous name.
func (s *Stopper) RunTask(task func(context.Context)) error {
	return s.RunNamedTask("", task)
}

// Stop cancels all tasks and waits for them to return. It is idempotent
// and safe for concurrent use.
func (s *Stopper) Stop() {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		<-s.stopC
		return
	}
	s.cancel()

	if s.opts.stopTimeout > 0 {
		stopAt := time.Now()
		timer := time.NewTicker(s.opts.stopTimeout)
		defer timer.Stop()
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
	waitLoop:
		for {
			select {
			case <-done:
				break waitLoop
			case <-timer.C:
				tasks := s.runningTasks()
				after := time.Since(stopAt)
				if s.opts.timeoutTaskF != nil {
					s.opts.timeoutTaskF(tasks, after)
				} else {
					s.opts.logger.Warn("tasks still running after stop",
						zap.String("stopper", s.name),
						zap.Duration("after", after),
						zap.Strings("tasks", tasks))
				}
			}
		}
	} else {
		s.wg.Wait()
	}

	s.state.Store(int32(stateStopped))
	close(s.stopC)
}

func (s *Stopper) runningTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]string, 0, len(s.running))
	for _, name := range s.running {
		tasks = append(tasks, name)
	}
	return tasks
}

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gracefulshutdown turns termination signals into context
// cancellation so that a run can still clean up after itself.
//
// The first SIGINT or SIGTERM cancels the context. A second one exits
// immediately with ExitCodeForced.
package gracefulshutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitCodeForced is used when a second signal interrupts the cleanup.
const ExitCodeForced = 130

// ErrInterrupted is the cancellation cause of a context cancelled by a signal.
var ErrInterrupted = errors.New("interrupted by signal")

type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	name   string

	signals chan os.Signal
	done    chan struct{}
	once    sync.Once

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := context.WithCancelCause(context.Background())

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		signals:  make(chan os.Signal, 2),
		done:     make(chan struct{}),
		exitFunc: exitFunc,
	}
	signal.Notify(gs.signals, syscall.SIGTERM, os.Interrupt)

	go gs.watch()

	return gs
}

func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

func (s *GracefulShutdown) watch() {
	interrupted := false
	for {
		select {
		case <-s.done:
			return
		case sig := <-s.signals:
			if interrupted {
				slog.Error(fmt.Sprintf("received %s again, exiting %s without cleanup", sig, s.name))
				s.exitFunc(ExitCodeForced)
				return
			}
			interrupted = true
			slog.Warn(fmt.Sprintf("received %s, cancelling %s; send it again to exit immediately", sig, s.name))
			s.cancel(fmt.Errorf("%w: %s", ErrInterrupted, sig))
		}
	}
}

// Notify delivers sig as if the process had received it.
func (s *GracefulShutdown) Notify(sig os.Signal) {
	s.signals <- sig
}

// Shutdown stops watching signals and exits with exitCode. Only the first
// call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Debug(fmt.Sprintf("shutting down %s", s.name), "exitCode", exitCode)

		signal.Stop(s.signals)
		close(s.done)
		s.cancel(nil)

		s.exitFunc(exitCode)
	})
}

func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

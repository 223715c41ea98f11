// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmdrunner executes external tools synchronously and captures their
// stdout, stderr and exit code.
//
// A nonzero exit code is a normal outcome and is reported through
// Result.ExitCode, never as an error. Run only returns an error when the
// process could not be started (ErrSpawn), when it outlived its timeout
// (ErrTimeout) or when the caller's context was cancelled (ErrCanceled).
package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/execcontext"
	"github.com/go-logr/logr"
)

const (
	// DefaultTimeout bounds every command; uvt-kvm wait and a cold
	// simplestreams sync are the slowest callers.
	DefaultTimeout = 500 * time.Second

	// killGracePeriod is how long Wait keeps reading output after the
	// process was killed.
	killGracePeriod = 5 * time.Second

	exitCodeNotRun = -1
)

var (
	// ErrSpawn indicates the process could not be started.
	ErrSpawn = errors.New("failed to start command")
	// ErrTimeout indicates the process was killed after exceeding its timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrCanceled indicates the process was killed because the caller's
	// context was cancelled.
	ErrCanceled = errors.New("command canceled")
)

// Runner executes a single command and waits for it to finish.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes with no stdin attached.
type ExecRunner struct {
	execCtx execcontext.Context
	timeout time.Duration
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithExecContext sets the environment and command prefix applied to every
// executed command.
func WithExecContext(ctx execcontext.Context) Option {
	return func(r *ExecRunner) {
		r.execCtx = ctx
	}
}

// WithTimeout sets the per-command timeout. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewExecRunner returns an ExecRunner using DefaultTimeout and an empty
// execution context unless overridden by opts.
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{
		execCtx: execcontext.Empty(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	name, args := execcontext.Argv(r.execCtx, cmd.Name, cmd.Args...)
	c := exec.CommandContext(runCtx, name, args...)
	c.Env = append(os.Environ(), execcontext.Environ(r.execCtx)...)
	c.WaitDelay = killGracePeriod

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	res := Result{
		Command:  execcontext.FormatCmd(r.execCtx, cmd.Argv()...),
		ExitCode: exitCodeNotRun,
	}

	log.V(2).Info("executing command", "command", res.Command, "timeout", r.timeout.String())

	start := time.Now()
	err := c.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	// A context done before the start also leaves ProcessState nil.
	switch {
	case ctx.Err() != nil:
		return res, fmt.Errorf("%w: %s: %w", ErrCanceled, res.Command, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout, res.Command)
	case c.ProcessState == nil:
		return res, fmt.Errorf("%w: %s: %w", ErrSpawn, res.Command, err)
	}

	// ErrWaitDelay means the process exited but a descendant kept the output
	// pipes open; the exit status is still authoritative.
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("%w: %s: %w", ErrSpawn, res.Command, err)
		}
	}

	res.ExitCode = c.ProcessState.ExitCode()
	return res, nil
}

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

// Package runnerfake provides a scripted cmdrunner.Runner recording every
// command it is asked to run.
package runnerfake

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
)

// Expectation produces the outcome of a matched command.
type Expectation = func(ctx context.Context, cmd cmdrunner.Command) (cmdrunner.Result, error)

type rule struct {
	prefix      []string
	expectation Expectation
	remaining   int // < 0 means unlimited
}

// Fake answers commands with the first rule whose prefix matches the
// command's argv. Unmatched commands succeed with no output.
type Fake struct {
	t *testing.T

	mu    sync.Mutex
	rules []*rule
	calls []cmdrunner.Command
}

var _ cmdrunner.Runner = (*Fake)(nil)

func New(t *testing.T) *Fake {
	t.Helper()
	return &Fake{t: t}
}

// Run implements cmdrunner.Runner.
func (f *Fake) Run(ctx context.Context, cmd cmdrunner.Command) (cmdrunner.Result, error) {
	f.t.Helper()

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	r := f.match(cmd)
	f.mu.Unlock()

	if r == nil {
		return cmdrunner.Result{Command: cmd.String()}, nil
	}

	res, err := r.expectation(ctx, cmd)
	if res.Command == "" {
		res.Command = cmd.String()
	}
	return res, err
}

func (f *Fake) match(cmd cmdrunner.Command) *rule {
	argv := cmd.Argv()
	for _, r := range f.rules {
		if r.remaining == 0 || len(r.prefix) > len(argv) {
			continue
		}
		if !slices.Equal(r.prefix, argv[:len(r.prefix)]) {
			continue
		}
		if r.remaining > 0 {
			r.remaining--
		}
		return r
	}
	return nil
}

// On registers an expectation for every command starting with prefix.
func (f *Fake) On(prefix []string, expectation Expectation) *Fake {
	return f.add(prefix, expectation, -1)
}

// Once registers an expectation consumed by the first matching command.
func (f *Fake) Once(prefix []string, expectation Expectation) *Fake {
	return f.add(prefix, expectation, 1)
}

func (f *Fake) add(prefix []string, expectation Expectation, n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, expectation: expectation, remaining: n})
	return f
}

// Exit answers with the given exit code and output.
func Exit(code int, stdout, stderr string) Expectation {
	return func(_ context.Context, cmd cmdrunner.Command) (cmdrunner.Result, error) {
		return cmdrunner.Result{
			Command:  cmd.String(),
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: code,
		}, nil
	}
}

// Fail answers with exit code -1 and err, as a spawn failure or timeout would.
func Fail(err error) Expectation {
	return func(_ context.Context, cmd cmdrunner.Command) (cmdrunner.Result, error) {
		return cmdrunner.Result{Command: cmd.String(), ExitCode: -1}, err
	}
}

// Calls returns the commands run so far.
func (f *Fake) Calls() []cmdrunner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallLines returns the commands run so far, one rendered line each.
func (f *Fake) CallLines() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}

// Called reports whether a command starting with prefix was run.
func (f *Fake) Called(prefix ...string) bool {
	return f.Count(prefix...) > 0
}

// Count returns how many commands starting with prefix were run.
func (f *Fake) Count(prefix ...string) int {
	n := 0
	for _, c := range f.Calls() {
		argv := c.Argv()
		if len(prefix) <= len(argv) && slices.Equal(prefix, argv[:len(prefix)]) {
			n++
		}
	}
	return n
}

// Index returns the position of the first command starting with prefix, or -1.
func (f *Fake) Index(prefix ...string) int {
	for i, c := range f.Calls() {
		argv := c.Argv()
		if len(prefix) <= len(argv) && slices.Equal(prefix, argv[:len(prefix)]) {
			return i
		}
	}
	return -1
}

// String renders the recorded commands, one per line.
func (f *Fake) String() string {
	return strings.Join(f.CallLines(), "\n")
}

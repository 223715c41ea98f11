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

package cmdrunner

import (
	"time"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/execcontext"
)

// Command is an external tool invocation as an explicit argument vector.
// It is never interpreted by a shell.
type Command struct {
	Name string
	Args []string
}

// NewCommand returns a Command for name and args.
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// Argv returns the full argument vector, program name first.
func (c Command) Argv() []string {
	out := make([]string, 0, len(c.Args)+1)
	out = append(out, c.Name)
	return append(out, c.Args...)
}

// String renders the command for logs.
func (c Command) String() string {
	return execcontext.FormatCmd(execcontext.Empty(), c.Argv()...)
}

// Result is the outcome of one command execution.
type Result struct {
	// Command is the rendered command line that was executed, including any
	// prefix added by the execution context.
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

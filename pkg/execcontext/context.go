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

// Package execcontext describes the environment external tools are executed
// in: extra environment variables and an optional command prefix such as
// "sudo -n".
package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context that adds nothing to executed commands.
func Empty() Context {
	return New(nil, nil)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Argv returns the program and arguments to execute once the prepend command
// has been applied to name and args.
func Argv(ctx Context, name string, args ...string) (string, []string) {
	prependCmd := ctx.PrependCmd()
	if len(prependCmd) == 0 {
		return name, slices.Clone(args)
	}

	out := make([]string, 0, len(prependCmd)-1+1+len(args))
	out = append(out, prependCmd[1:]...)
	out = append(out, name)
	out = append(out, args...)
	return prependCmd[0], out
}

// Environ returns the context environment as sorted KEY=VALUE pairs, ready to
// be appended to os.Environ().
func Environ(ctx Context) []string {
	envs := ctx.Envs()
	out := make([]string, 0, len(envs))
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return out
}

// FormatCmd renders the command as a single shell-safe line. It is used for
// logging only; commands are never executed through a shell.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&sb, "%s=%s ", k, quote(envs[k]))
	}

	for _, s := range ctx.PrependCmd() {
		sb.WriteString(quote(s))
		sb.WriteByte(' ')
	}

	for _, s := range cmd {
		sb.WriteString(quote(s))
		sb.WriteByte(' ')
	}

	return strings.TrimSpace(sb.String())
}

// quote leaves plain words untouched so logged commands stay readable.
func quote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsFunc(s, needsQuoting) {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=,@%+", r)
}

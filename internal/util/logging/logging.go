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

// Package logging builds the logger of a kvmcheck run.
// It uses log/slog as the handler and exposes it as a logr.Logger, which is
// what the orchestrator and the command runner log through.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (human-readable text
	// instead of JSON).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// LogFile, when set, receives a copy of every log record. The file is
	// created if needed and appended to.
	LogFile string

	// Writer is the primary destination. Defaults to os.Stderr so that stdout
	// only carries the final PASS/FAIL line.
	Writer io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// Setup builds the slog handler described by opts, installs it as the slog
// default and returns it bridged to logr, together with a function releasing
// the log file.
//
// logr verbosity maps onto slog levels: V(0) is Info, V(1) is Debug and
// higher verbosities go below Debug.
func Setup(opts Options) (logr.Logger, func() error, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	closeFn := func() error { return nil }
	if opts.LogFile != "" {
		f, err := openLogFile(opts.LogFile)
		if err != nil {
			return logr.Discard(), closeFn, err
		}
		w = io.MultiWriter(w, f)
		closeFn = f.Close
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: collapseDebugLevels,
	}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	return logr.FromSlogHandler(handler), closeFn, nil
}

// collapseDebugLevels renders every level between Debug and Info as "DEBUG"
// instead of slog's "DEBUG+n" produced by logr verbosities.
func collapseDebugLevels(groups []string, a slog.Attr) slog.Attr {
	if len(groups) != 0 || a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl < slog.LevelInfo {
		a.Value = slog.StringValue(slog.LevelDebug.String())
	}
	return a
}

// LevelFor returns the slog level for the --debug flag.
func LevelFor(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return f, nil
}

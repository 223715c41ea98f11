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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/kvmcheck/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/kvmcheck/internal/util/logging"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/execcontext"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmm"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest/reporting"
)

const (
	Name = "kvmcheck"

	passMessage = "PASS: VM was successfully started and checked"
	failMessage = "FAIL: VM was not started and/or checked"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// sudoPrepend is prepended to privileged commands when sudo is enabled.
var sudoPrepend = []string{"sudo", "-n"} //nolint:gochecknoglobals

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// --------------------------------------------- Command -------------------------------------------------------- //

	// Configuration errors are printed by cobra.
	a := newApp()
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		gs.Shutdown(1)
	}

	gs.Shutdown(a.exitCode)
}

// app holds the process dependencies of a run, replaced in tests.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	newRunner    func(ectx execcontext.Context, timeout time.Duration) cmdrunner.Runner
	newInspector func(uri string) (vmm.Inspector, error)

	exitCode int
}

func newApp() *app {
	return &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: nil,
		newRunner: func(ectx execcontext.Context, timeout time.Duration) cmdrunner.Runner {
			return cmdrunner.NewExecRunner(cmdrunner.WithExecContext(ectx), cmdrunner.WithTimeout(timeout))
		},
		newInspector: func(uri string) (vmm.Inspector, error) {
			var opts []vmm.Option
			if uri != "" {
				opts = append(opts, vmm.WithURI(uri))
			}
			v, err := vmm.NewVMM(opts...)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   Name,
		Short: "Check that uvtool can create, boot and reach a KVM virtual machine",
		Long: `kvmcheck ensures the uvtool packages and an SSH key are present, syncs or
uses a cloud image, creates a VM with uvt-kvm, waits for it, checks it answers
over SSH and removes it. It prints PASS or FAIL and exits 0 or 1.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			getenv := a.getenv
			if getenv == nil {
				var err error
				if getenv, err = newGetenv(DotEnvPath); err != nil {
					return err
				}
			}

			config, err := loadConfig(f.configPath, getenv)
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), config)

			a.exitCode, err = a.run(cmd.Context(), config)
			return err
		},
	}
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)
	f.register(rootCmd.Flags())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		},
	})

	return rootCmd
}

// run executes one VM test described by config and returns the process exit
// code. Errors are limited to invalid configuration.
func (a *app) run(ctx context.Context, config *Config) (int, error) {
	opts, err := config.Options(config.ReportDir)
	if err != nil {
		return 1, err
	}
	timeout, err := config.Timeout()
	if err != nil {
		return 1, err
	}

	// --------------------------------------------- Logging -------------------------------------------------------- //

	debug := ptr.Deref(config.Debug, false)
	logOpts := logging.DefaultOptions()
	logOpts.Development = debug
	logOpts.Level = logging.LevelFor(debug)
	logOpts.LogFile = config.LogFile
	logOpts.Writer = a.stderr

	log, closeLog, err := logging.Setup(logOpts)
	if err != nil {
		return 1, fmt.Errorf("setting up logging: %w", err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			_, _ = fmt.Fprintf(a.stderr, "closing log file: %s\n", err)
		}
	}()

	log.Info(fmt.Sprintf("starting %s", Name), "version", Version, "commit", CommitSHA, "buildTimestamp", BuildTimestamp)

	// --------------------------------------------- Runners -------------------------------------------------------- //

	envs := map[string]string{}
	if config.LibvirtURI != "" {
		envs[LibvirtURIEnvKey] = config.LibvirtURI
	}

	runner := a.newRunner(execcontext.New(envs, nil), timeout)
	options := []vmtest.Option{vmtest.WithLogger(log)}
	if ptr.Deref(config.Sudo, false) {
		options = append(options, vmtest.WithPrivilegedRunner(a.newRunner(execcontext.New(envs, sudoPrepend), timeout)))
	}

	// --------------------------------------------- Inspector ------------------------------------------------------ //

	if ptr.Deref(config.Inspect, true) {
		inspector, err := a.newInspector(config.LibvirtURI)
		if err != nil {
			log.V(1).Info("libvirt inspector unavailable, running without it", "err", err.Error())
		} else {
			defer closeInspector(log, inspector)
			options = append(options, vmtest.WithInspector(inspector))
		}
	}

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	var metrics *vmtest.Metrics
	if config.MetricsFile != "" {
		metrics = vmtest.NewMetrics()
		options = append(options, vmtest.WithObserver(metrics))
	}

	// --------------------------------------------- Run ------------------------------------------------------------ //

	result := vmtest.New(runner, opts, options...).Run(ctx)

	if err := reporting.PrintSummary(a.stderr, result); err != nil {
		log.Error(err, "printing summary")
	}

	if config.ReportDir != "" {
		paths, err := reporting.NewReporter(config.ReportDir).WriteAll(result)
		if err != nil {
			log.Error(err, "writing reports", "reportDir", config.ReportDir)
		}
		for _, path := range paths {
			log.Info("report written", "path", path)
		}
	}

	if metrics != nil {
		if err := metrics.WriteTextfile(config.MetricsFile); err != nil {
			log.Error(err, "writing metrics", "path", config.MetricsFile)
		}
	}

	if result.Passed {
		_, _ = fmt.Fprintln(a.stdout, passMessage)
	} else {
		_, _ = fmt.Fprintln(a.stdout, failMessage)
	}

	return result.ExitCode(), nil
}

func closeInspector(log logr.Logger, inspector vmm.Inspector) {
	if err := inspector.Close(); err != nil {
		log.V(1).Info("closing libvirt connection", "err", err.Error())
	}
}

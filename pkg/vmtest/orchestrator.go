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

// Package vmtest runs the uvtool VM integration test: it prepares the host,
// creates a VM from a cloud image, checks that it booted and answers over
// SSH, then tears it down.
//
// Stages run strictly in order, one external command at a time. A failing
// command never aborts the process: it is logged, recorded in the RunResult
// and turned into a failed stage. What happens next is decided by the
// FailurePolicy and the CleanupPolicy.
package vmtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/kvmcheck/internal/util/ssh"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/imagesource"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmm"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	// VMNamePrefix prefixes every generated VM name.
	VMNamePrefix = "kvmcheck"

	// maxVMNameAttempts bounds the search for a VM name unused on the host.
	maxVMNameAttempts = 5

	defaultSSHUser = "ubuntu"

	sshAuthSockEnvKey = "SSH_AUTH_SOCK"
	defaultSSHPort = "22"
)

// DefaultPackages are the host packages a run depends on.
var DefaultPackages = []string{"uvtool", "uvtool-libvirt"}

// UserDataOptions asks for a cloud-init user-data file handed to uvt-kvm
// create.
type UserDataOptions struct {
	Packages    []string
	RunCommands []string
}

// Options describes one run.
type Options struct {
	// Image is a local cloud image (path or file:// URL) or a simplestreams
	// source. Empty syncs from the default mirror.
	Image string
	// Release and Arch are detected on the host when empty.
	Release string
	Arch    string

	// Packages are ensured on the host. Defaults to DefaultPackages.
	Packages []string

	// SSHKeyPath is the private key used to reach the VM. Defaults to
	// ~/.ssh/id_rsa, generated when missing. A custom key is installed in the
	// VM but uvt-kvm ssh only uses it through an ssh-agent holding it: enable
	// NativeSSHProbe to log in with it directly.
	SSHKeyPath string
	SSHKeyBits int
	// SSHUser is the login of the native SSH probe and of the user-data
	// user. Defaults to "ubuntu".
	SSHUser string
	// NativeSSHProbe additionally checks the VM with an in-process SSH client.
	NativeSSHProbe bool

	// UserData, when set, replaces uvtool's generated cloud-init user-data.
	UserData *UserDataOptions
	// WorkDir receives run artifacts such as the user-data file. Defaults to
	// the system temporary directory.
	WorkDir string

	FailurePolicy FailurePolicy
	CleanupPolicy CleanupPolicy
}

// SSHDialer returns a client able to run commands on host.
type SSHDialer func(host, user, privateKeyPath string) (ssh.Runner, error)

// Observer is notified of every command, stage and run outcome.
type Observer interface {
	ObserveCommand(cmd cmdrunner.Command, passed bool)
	ObserveStage(stage StageResult)
	ObserveRun(result *RunResult)
}

// Orchestrator runs the VM test stages.
type Orchestrator struct {
	runner     cmdrunner.Runner
	privileged cmdrunner.Runner
	inspector  vmm.Inspector
	dialSSH    SSHDialer
	observer   Observer
	log        logr.Logger
	now        func() time.Time

	opts Options
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithPrivilegedRunner sets the runner used for commands requiring root,
// e.g. one prefixing commands with "sudo -n".
func WithPrivilegedRunner(r cmdrunner.Runner) Option {
	return func(o *Orchestrator) {
		o.privileged = r
	}
}

// WithInspector enables libvirt checks: VM name uniqueness, domain state and
// disks during the list stage, and removal after cleanup.
func WithInspector(i vmm.Inspector) Option {
	return func(o *Orchestrator) {
		o.inspector = i
	}
}

// WithSSHDialer overrides how the native SSH probe connects to the VM.
func WithSSHDialer(d SSHDialer) Option {
	return func(o *Orchestrator) {
		o.dialSSH = d
	}
}

// WithObserver registers an Observer, such as Metrics.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithLogger sets the logger owned by the run.
func WithLogger(log logr.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// New returns an Orchestrator executing commands with runner.
func New(runner cmdrunner.Runner, opts Options, options ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:  runner,
		dialSSH: dialSSH,
		log:     logr.Discard(),
		now:     time.Now,
		opts:    withDefaults(opts),
	}
	for _, opt := range options {
		opt(o)
	}
	if o.privileged == nil {
		o.privileged = o.runner
	}
	return o
}

func withDefaults(opts Options) Options {
	if len(opts.Packages) == 0 {
		opts.Packages = DefaultPackages
	}
	if opts.SSHKeyPath == "" {
		opts.SSHKeyPath = DefaultSSHKeyPath()
	}
	if opts.SSHKeyBits <= 0 {
		opts.SSHKeyBits = ssh.DefaultKeyBits
	}
	if opts.SSHUser == "" {
		opts.SSHUser = defaultSSHUser
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailureContinue
	}
	if opts.CleanupPolicy == "" {
		opts.CleanupPolicy = CleanupAlways
	}
	return opts
}

// DefaultSSHKeyPath returns ~/.ssh/id_rsa, the key uvt-kvm uses by default.
func DefaultSSHKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".ssh", "id_rsa")
}

func dialSSH(host, user, privateKeyPath string) (ssh.Runner, error) {
	client, err := ssh.NewClient(host, user, privateKeyPath, defaultSSHPort)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// run is the state of one Run call.
type run struct {
	result  *RunResult
	testCtx TestContext
	log     logr.Logger

	source    imagesource.Source
	aborted   StageName
	userData  string
	vmCreated bool
}

type stageFunc func(ctx context.Context, r *run, sr *StageResult) error

// Run executes every stage and returns the run outcome. It never returns an
// error: failures are recorded in the result.
//
// When ctx is cancelled, the remaining stages are skipped except cleanup,
// which runs on a context detached from ctx.
func (o *Orchestrator) Run(ctx context.Context) *RunResult {
	r := &run{
		result: &RunResult{
			RunID:         uuid.NewString(),
			FailurePolicy: o.opts.FailurePolicy,
			CleanupPolicy: o.opts.CleanupPolicy,
			StartTime:     o.now(),
			Stages:        make([]StageResult, 0, len(Stages)),
			Events:        make([]TestEvent, 0),
		},
		testCtx: TestContext{
			Image:   o.opts.Image,
			Release: o.opts.Release,
			Arch:    o.opts.Arch,
		},
	}
	r.log = o.log.WithValues("runID", r.result.RunID)
	ctx = logr.NewContext(ctx, r.log)

	r.testCtx.VMName = o.newVMName(ctx, r)
	r.log = r.log.WithValues("vmName", r.testCtx.VMName)
	o.recordEvent(r, "run_start", fmt.Sprintf("failurePolicy=%s cleanupPolicy=%s", o.opts.FailurePolicy, o.opts.CleanupPolicy))

	stages := []struct {
		name StageName
		fn   stageFunc
	}{
		{StagePackages, o.stagePackages},
		{StageSSHKey, o.stageSSHKey},
		{StageHost, o.stageHost},
		{StageResolveImage, o.stageResolveImage},
		{StageCreate, o.stageCreate},
		{StageWait, o.stageWait},
		{StageList, o.stageList},
		{StageVerify, o.stageVerify},
	}

	for _, s := range stages {
		switch {
		case ctx.Err() != nil:
			o.skipStage(r, s.name, fmt.Sprintf("run canceled: %v", context.Cause(ctx)))
		case r.aborted != "":
			o.skipStage(r, s.name, fmt.Sprintf("aborted after %s failed", r.aborted))
		default:
			o.runStage(ctx, r, s.name, s.fn)
		}
	}

	if o.opts.CleanupPolicy == CleanupOnCreate && !r.vmCreated {
		o.skipStage(r, StageCleanup, "VM was not created")
	} else {
		o.runStage(context.WithoutCancel(ctx), r, StageCleanup, o.stageCleanup)
	}

	r.result.Context = r.testCtx
	r.result.EndTime = o.now()
	r.result.Duration = r.result.EndTime.Sub(r.result.StartTime)
	r.result.Passed = ctx.Err() == nil && len(r.result.FailedStages()) == 0

	if r.result.Passed {
		o.recordEvent(r, "run_passed", "")
		r.log.Info("run passed", "duration", r.result.Duration.String())
	} else {
		details := joinStages(r.result.FailedStages())
		o.recordEvent(r, "run_failed", details)
		r.log.Info("run failed", "failedStages", details, "duration", r.result.Duration.String())
	}

	if o.observer != nil {
		o.observer.ObserveRun(r.result)
	}
	return r.result
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, name StageName, fn stageFunc) {
	log := r.log.WithValues("stage", name)
	ctx = logr.NewContext(ctx, log)

	sr := StageResult{Name: name, StartTime: o.now()}
	o.recordEvent(r, "stage_start", string(name))
	log.V(1).Info("stage started")

	err := fn(ctx, r, &sr)

	sr.EndTime = o.now()
	sr.Duration = sr.EndTime.Sub(sr.StartTime)
	sr.Passed = err == nil
	if err != nil {
		sr.Error = err.Error()
		o.recordEvent(r, "stage_failed", fmt.Sprintf("%s: %v", name, err))
		log.Error(err, "stage failed")
		if o.opts.FailurePolicy == FailureAbort && name != StageCleanup && r.aborted == "" {
			r.aborted = name
		}
	} else {
		o.recordEvent(r, "stage_passed", string(name))
		log.V(1).Info("stage passed", "duration", sr.Duration.String())
	}

	o.finishStage(r, sr)
}

func (o *Orchestrator) skipStage(r *run, name StageName, reason string) {
	now := o.now()
	sr := StageResult{
		Name:       name,
		Skipped:    true,
		SkipReason: reason,
		StartTime:  now,
		EndTime:    now,
	}
	o.recordEvent(r, "stage_skipped", fmt.Sprintf("%s: %s", name, reason))
	r.log.Info("stage skipped", "stage", name, "reason", reason)
	o.finishStage(r, sr)
}

func (o *Orchestrator) finishStage(r *run, sr StageResult) {
	r.result.Stages = append(r.result.Stages, sr)
	if o.observer != nil {
		o.observer.ObserveStage(sr)
	}
}

// recordEvent appends a lifecycle event to the run timeline.
func (o *Orchestrator) recordEvent(r *run, eventType, details string) {
	r.result.Events = append(r.result.Events, TestEvent{
		Timestamp: o.now(),
		VMName:    r.testCtx.VMName,
		EventType: eventType,
		Details:   details,
	})
}

// newVMName returns a name not used by any libvirt domain on the host. The
// check is skipped when no inspector is configured.
func (o *Orchestrator) newVMName(ctx context.Context, r *run) string {
	var name string
	for attempt := 1; attempt <= maxVMNameAttempts; attempt++ {
		name = generateVMName()
		if o.inspector == nil {
			return name
		}

		exists, err := o.inspector.DomainExists(ctx, name)
		if err != nil {
			r.log.Error(err, "cannot check VM name uniqueness", "vmName", name)
			return name
		}
		if !exists {
			return name
		}
		r.log.V(1).Info("VM name already in use", "vmName", name, "attempt", attempt)
	}
	r.log.Info("no unused VM name found, keeping the last candidate", "vmName", name)
	return name
}

func generateVMName() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", VMNamePrefix, id[:8])
}

func joinStages(names []StageName) string {
	s := make([]string, 0, len(names))
	for _, n := range names {
		s = append(s, string(n))
	}
	return strings.Join(s, ",")
}

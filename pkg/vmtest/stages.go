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

package vmtest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/kvmcheck/internal/util/ssh"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/cloudinit"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/imagesource"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/uvtool"
	"github.com/go-logr/logr"
	cryptossh "golang.org/x/crypto/ssh"
)

var errEmptyOutput = errors.New("command printed nothing")

func (o *Orchestrator) stagePackages(ctx context.Context, r *run, sr *StageResult) error {
	log := logr.FromContextOrDiscard(ctx)

	var missing []string
	for _, pkg := range o.opts.Packages {
		// dpkg-query exits 1 for unknown packages: that only means missing.
		res, err := o.probe(ctx, sr, uvtool.DpkgQueryStatus(pkg))
		if err == nil && uvtool.IsInstalled(res.Stdout) {
			continue
		}
		missing = append(missing, pkg)
	}

	if len(missing) == 0 {
		log.V(1).Info("required packages are installed", "packages", o.opts.Packages)
		return nil
	}

	log.Info("installing missing packages", "packages", missing)
	if _, err := o.exec(ctx, sr, o.privileged, uvtool.AptGetInstall(missing...)); err != nil {
		return fmt.Errorf("installing %s: %w", strings.Join(missing, " "), err)
	}
	o.recordEvent(r, "packages_installed", strings.Join(missing, " "))
	return nil
}

func (o *Orchestrator) stageSSHKey(ctx context.Context, r *run, _ *StageResult) error {
	log := logr.FromContextOrDiscard(ctx)

	created, err := ssh.EnsureKeyPair(o.opts.SSHKeyPath, o.opts.SSHKeyBits)
	if err != nil {
		return err
	}
	if created {
		log.Info("generated SSH key pair", "path", o.opts.SSHKeyPath)
		o.recordEvent(r, "ssh_key_generated", o.opts.SSHKeyPath)
		return nil
	}
	log.V(1).Info("SSH key pair exists", "path", o.opts.SSHKeyPath)
	return nil
}

func (o *Orchestrator) stageHost(ctx context.Context, r *run, sr *StageResult) error {
	log := logr.FromContextOrDiscard(ctx)

	var errs []error
	if r.testCtx.Release == "" {
		release, err := o.detect(ctx, sr, uvtool.LSBReleaseCodename())
		if err != nil {
			errs = append(errs, fmt.Errorf("detecting release: %w", err))
		}
		r.testCtx.Release = release
	}
	if r.testCtx.Arch == "" {
		arch, err := o.detect(ctx, sr, uvtool.DpkgArchitecture())
		if err != nil {
			errs = append(errs, fmt.Errorf("detecting architecture: %w", err))
		}
		r.testCtx.Arch = arch
	}

	log.Info("host", "release", r.testCtx.Release, "arch", r.testCtx.Arch)
	return errors.Join(errs...)
}

// detect runs cmd and returns its trimmed stdout, which must not be empty.
func (o *Orchestrator) detect(ctx context.Context, sr *StageResult, cmd cmdrunner.Command) (string, error) {
	res, err := o.exec(ctx, sr, o.runner, cmd)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return "", fmt.Errorf("%w: %s", errEmptyOutput, res.Command)
	}
	return out, nil
}

func (o *Orchestrator) stageResolveImage(ctx context.Context, r *run, sr *StageResult) error {
	log := logr.FromContextOrDiscard(ctx)

	r.source = imagesource.Parse(r.testCtx.Image)
	if !r.source.NeedsSync() {
		r.testCtx.Image = r.source.Path
		log.Info("using local image", "path", r.source.Path)
		o.recordEvent(r, "image_resolved", r.source.Path)
		return nil
	}

	if r.source.Raw != "" && r.source.SyncSource == "" && r.source.Scheme != "" {
		log.V(1).Info("unsupported image scheme, syncing from the default source", "scheme", r.source.Scheme)
	}

	if _, err := o.exec(ctx, sr, o.runner, uvtool.SimplestreamsSync(r.testCtx.Release, r.testCtx.Arch, r.source.SyncSource)); err != nil {
		return err
	}
	o.recordEvent(r, "image_synced", fmt.Sprintf("release=%s arch=%s source=%s", r.testCtx.Release, r.testCtx.Arch, r.source.SyncSource))
	return nil
}

func (o *Orchestrator) stageCreate(ctx context.Context, r *run, sr *StageResult) error {
	createOpts := uvtool.CreateOptions{
		Name:             r.testCtx.VMName,
		Release:          r.testCtx.Release,
		BackingImageFile: r.source.BackingImageFile(),
	}

	switch {
	case o.opts.UserData != nil:
		path, err := o.writeUserData(r)
		if err != nil {
			return err
		}
		createOpts.UserDataFile = path
	case o.opts.SSHKeyPath != DefaultSSHKeyPath():
		createOpts.SSHPublicKeyFile = ssh.PublicKeyPath(o.opts.SSHKeyPath)
	}

	if _, err := o.exec(ctx, sr, o.runner, uvtool.KVMCreate(createOpts)); err != nil {
		return err
	}
	r.vmCreated = true
	o.recordEvent(r, "vm_created", r.testCtx.VMName)
	return nil
}

// writeUserData renders the cloud-init user-data of the VM into the work
// directory and returns its path.
func (o *Orchestrator) writeUserData(r *run) (string, error) {
	user, err := cloudinit.NewUser(o.opts.SSHUser, ssh.PublicKeyPath(o.opts.SSHKeyPath))
	if err != nil {
		return "", err
	}

	ud := cloudinit.NewUserData(r.testCtx.VMName, user, o.opts.UserData.Packages, o.opts.UserData.RunCommands)
	path := filepath.Join(o.opts.WorkDir, r.testCtx.VMName+"-user-data")
	if err := ud.WriteFile(path); err != nil {
		return "", err
	}

	r.userData = path
	return path, nil
}

func (o *Orchestrator) stageWait(ctx context.Context, r *run, sr *StageResult) error {
	_, err := o.exec(ctx, sr, o.runner, uvtool.KVMWait(r.testCtx.VMName))
	return err
}

func (o *Orchestrator) stageList(ctx context.Context, r *run, sr *StageResult) error {
	if _, err := o.exec(ctx, sr, o.runner, uvtool.KVMList()); err != nil {
		return err
	}
	if o.inspector != nil {
		o.inspectDomain(ctx, r)
	}
	return nil
}

// inspectDomain logs what libvirt reports about the VM. Inspection errors
// are logged only.
func (o *Orchestrator) inspectDomain(ctx context.Context, r *run) {
	log := logr.FromContextOrDiscard(ctx)
	name := r.testCtx.VMName

	state, err := o.inspector.DomainState(ctx, name)
	if err != nil {
		log.Error(err, "cannot get domain state")
		return
	}

	disks, err := o.inspector.DomainDisks(ctx, name)
	if err != nil {
		log.Error(err, "cannot get domain disks")
		return
	}

	for _, d := range disks {
		log.V(1).Info("domain disk",
			"target", d.Target,
			"format", d.Format,
			"source", d.Source,
			"backingChain", d.BackingChain,
		)
	}
	log.Info("domain inspected", "state", state, "disks", len(disks))
	o.recordEvent(r, "domain_inspected", fmt.Sprintf("state=%s disks=%d", state, len(disks)))
}

func (o *Orchestrator) stageVerify(ctx context.Context, r *run, sr *StageResult) error {
	log := logr.FromContextOrDiscard(ctx)
	name := r.testCtx.VMName

	if o.opts.SSHKeyPath != DefaultSSHKeyPath() && os.Getenv(sshAuthSockEnvKey) == "" {
		// uvt-kvm ssh takes no identity file.
		log.Info("uvt-kvm ssh cannot use the custom SSH key without an ssh-agent",
			"sshKeyPath", o.opts.SSHKeyPath, "hint", "enable the native SSH probe to log in with it")
	}

	var errs []error
	if _, err := o.exec(ctx, sr, o.runner, uvtool.KVMSSH(name)); err != nil {
		errs = append(errs, err)
	}

	res, err := o.exec(ctx, sr, o.runner, uvtool.KVMSSH(name, uvtool.LSBReleaseAll()...))
	if err != nil {
		errs = append(errs, err)
	} else {
		log.Info("VM answered over SSH", "lsbRelease", strings.TrimSpace(res.Stdout))
	}

	if o.opts.NativeSSHProbe {
		if err := o.probeSSH(ctx, r, sr); err != nil {
			errs = append(errs, fmt.Errorf("native SSH probe: %w", err))
		}
	}

	if len(errs) == 0 {
		o.recordEvent(r, "vm_verified", name)
	}
	return errors.Join(errs...)
}

// probeSSH connects to the VM address reported by uvt-kvm with the
// in-process SSH client and runs lsb_release.
func (o *Orchestrator) probeSSH(ctx context.Context, r *run, sr *StageResult) error {
	ip, err := o.detect(ctx, sr, uvtool.KVMIP(r.testCtx.VMName))
	if err != nil {
		return err
	}

	remote := uvtool.LSBReleaseAll()
	cmd := cmdrunner.NewCommand("ssh", append([]string{o.opts.SSHUser + "@" + ip}, remote...)...)

	client, err := o.dialSSH(ip, o.opts.SSHUser, o.opts.SSHKeyPath)
	if err != nil {
		return o.record(ctx, sr, cmd, cmdrunner.Result{Command: cmd.String(), ExitCode: -1}, err, false)
	}

	start := o.now()
	stdout, stderr, err := client.Run(ctx, remote...)
	res := cmdrunner.Result{
		Command:  cmd.String(),
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: o.now().Sub(start),
	}
	if err != nil {
		res.ExitCode = -1
		var exitErr *cryptossh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		}
	}
	return o.record(ctx, sr, cmd, res, err, false)
}

func (o *Orchestrator) stageCleanup(ctx context.Context, r *run, sr *StageResult) error {
	log := logr.FromContextOrDiscard(ctx)
	name := r.testCtx.VMName

	var errs []error
	for _, cmd := range []cmdrunner.Command{
		uvtool.VirshDestroy(name),
		uvtool.VirshUndefine(name),
		uvtool.SimplestreamsPurge(),
	} {
		if _, err := o.exec(ctx, sr, o.runner, cmd); err != nil {
			errs = append(errs, err)
		}
	}

	if r.userData != "" {
		if err := os.Remove(r.userData); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error(err, "cannot remove user-data file", "path", r.userData)
		}
	}

	if o.inspector != nil {
		exists, err := o.inspector.DomainExists(ctx, name)
		switch {
		case err != nil:
			log.Error(err, "cannot check domain removal")
		case exists:
			errs = append(errs, fmt.Errorf("%w: %s", ErrDomainStillDefined, name))
		}
	}

	if len(errs) == 0 {
		o.recordEvent(r, "vm_destroyed", name)
	}
	return errors.Join(errs...)
}

// exec runs cmd, records its outcome in sr and logs it. A nonzero exit is
// returned as ErrCommandFailed.
func (o *Orchestrator) exec(ctx context.Context, sr *StageResult, runner cmdrunner.Runner, cmd cmdrunner.Command) (cmdrunner.Result, error) {
	res, err := runner.Run(ctx, cmd)
	return res, o.record(ctx, sr, cmd, res, err, false)
}

// probe is exec for commands whose failure is an expected answer: failures
// are logged at debug level.
func (o *Orchestrator) probe(ctx context.Context, sr *StageResult, cmd cmdrunner.Command) (cmdrunner.Result, error) {
	res, err := o.runner.Run(ctx, cmd)
	return res, o.record(ctx, sr, cmd, res, err, true)
}

func (o *Orchestrator) record(
	ctx context.Context,
	sr *StageResult,
	cmd cmdrunner.Command,
	res cmdrunner.Result,
	err error,
	expectFailure bool,
) error {
	if res.Command == "" {
		res.Command = cmd.String()
	}
	if err == nil && !res.Success() {
		err = fmt.Errorf("%w: %s: exit code %d", ErrCommandFailed, res.Command, res.ExitCode)
	}

	outcome := CommandOutcome{
		Command:  res.Command,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Passed:   err == nil,
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	sr.Commands = append(sr.Commands, outcome)

	if o.observer != nil {
		o.observer.ObserveCommand(cmd, err == nil)
	}

	logOutcome(logr.FromContextOrDiscard(ctx), res, err, expectFailure)
	return err
}

// logOutcome logs a failed command with its output at error level, and a
// successful one with whichever output it produced at debug level.
func logOutcome(log logr.Logger, res cmdrunner.Result, err error, expectFailure bool) {
	if err != nil {
		kv := []any{
			"command", res.Command,
			"exitCode", res.ExitCode,
			"stdout", res.Stdout,
			"stderr", res.Stderr,
		}
		if expectFailure {
			log.V(1).Info("command failed", append(kv, "err", err.Error())...)
			return
		}
		log.Error(err, "command failed", kv...)
		return
	}

	output := "no output"
	switch {
	case res.Stdout != "":
		output = res.Stdout
	case res.Stderr != "":
		output = res.Stderr
	}
	log.V(1).Info("command succeeded", "command", res.Command, "output", output)
}

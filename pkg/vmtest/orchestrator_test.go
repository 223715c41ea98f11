//go:build unit

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

package vmtest_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/kvmcheck/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/kvmcheck/internal/util/logging"
	"github.com/alexandremahdhaoui/kvmcheck/internal/util/mocks/mockvmm"
	"github.com/alexandremahdhaoui/kvmcheck/internal/util/ssh"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmm"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKeyBits = 2048

var vmNameRegexp = regexp.MustCompile(`^kvmcheck-[0-9a-f]{8}$`)

// newHostFake returns a runner answering host queries like an installed
// focal/amd64 host. Every other command succeeds with no output.
func newHostFake(t *testing.T) *runnerfake.Fake {
	t.Helper()
	return runnerfake.New(t).
		On([]string{"dpkg-query", "-W"}, runnerfake.Exit(0, "install ok installed", "")).
		On([]string{"lsb_release", "-cs"}, runnerfake.Exit(0, "focal\n", "")).
		On([]string{"dpkg", "--print-architecture"}, runnerfake.Exit(0, "amd64\n", ""))
}

func newOptions(t *testing.T, image string) vmtest.Options {
	t.Helper()
	dir := t.TempDir()
	return vmtest.Options{
		Image:      image,
		SSHKeyPath: filepath.Join(dir, "id_rsa"),
		SSHKeyBits: testKeyBits,
		WorkDir:    dir,
	}
}

func newLogger(t *testing.T) (logr.Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	log, closeFn, err := logging.Setup(logging.Options{Writer: buf, Level: slog.LevelDebug})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return log, buf
}

func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		out = append(out, rec)
	}
	return out
}

func findRecord(records []map[string]any, level, msg, commandPrefix string) map[string]any {
	for _, rec := range records {
		cmd, _ := rec["command"].(string)
		if rec["level"] == level && rec["msg"] == msg && strings.HasPrefix(cmd, commandPrefix) {
			return rec
		}
	}
	return nil
}

func argvOf(t *testing.T, fake *runnerfake.Fake, prefix ...string) []string {
	t.Helper()
	for _, c := range fake.Calls() {
		argv := c.Argv()
		if len(prefix) <= len(argv) && slices.Equal(prefix, argv[:len(prefix)]) {
			return argv
		}
	}
	t.Fatalf("no command starting with %v in:\n%s", prefix, fake)
	return nil
}

func stage(t *testing.T, result *vmtest.RunResult, name vmtest.StageName) vmtest.StageResult {
	t.Helper()
	s, ok := result.Stage(name)
	require.True(t, ok, "stage %s not recorded", name)
	return s
}

func TestRun_LocalImageSuccess(t *testing.T) {
	fake := newHostFake(t)
	opts := newOptions(t, "file:///home/u/focal.img")

	result := vmtest.New(fake, opts).Run(context.Background())

	assert.True(t, result.Passed, fake.String())
	assert.Equal(t, 0, result.ExitCode())
	assert.Empty(t, result.FailedStages())

	assert.Equal(t, "/home/u/focal.img", result.Context.Image)
	assert.Equal(t, "focal", result.Context.Release)
	assert.Equal(t, "amd64", result.Context.Arch)
	assert.Regexp(t, vmNameRegexp, result.Context.VMName)

	assert.False(t, fake.Called("uvt-simplestreams-libvirt", "sync"), "local images are not synced")
	assert.False(t, fake.Called("apt-get"), "installed packages are not reinstalled")

	name := result.Context.VMName
	create := argvOf(t, fake, "uvt-kvm", "create")
	assert.Equal(t, []string{
		"uvt-kvm", "create",
		"--backing-image-file", "/home/u/focal.img",
		"--ssh-public-key-file", opts.SSHKeyPath + ".pub",
		name, "release=focal",
	}, create)

	order := []int{
		fake.Index("uvt-kvm", "create"),
		fake.Index("uvt-kvm", "wait", name),
		fake.Index("uvt-kvm", "list"),
		fake.Index("uvt-kvm", "ssh", name),
		fake.Index("uvt-kvm", "ssh", name, "lsb_release", "-a"),
		fake.Index("virsh", "destroy", name),
		fake.Index("virsh", "undefine", name),
		fake.Index("uvt-simplestreams-libvirt", "purge"),
	}
	for i := range order {
		require.NotEqual(t, -1, order[i], "missing command #%d:\n%s", i, fake)
	}
	assert.True(t, slices.IsSorted(order), "unexpected order:\n%s", fake)

	var names []vmtest.StageName
	for _, s := range result.Stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, vmtest.Stages, names)

	_, err := os.Stat(opts.SSHKeyPath)
	assert.NoError(t, err, "missing key pair is generated")
}

func TestRun_CreateFailure(t *testing.T) {
	log, buf := newLogger(t)
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "create"}, runnerfake.Exit(1, "", "uvt-kvm: error: image not found\n"))

	result := vmtest.New(fake, newOptions(t, ""), vmtest.WithLogger(log)).Run(context.Background())

	assert.False(t, result.Passed)
	assert.Equal(t, 1, result.ExitCode())
	assert.Equal(t, []vmtest.StageName{vmtest.StageCreate}, result.FailedStages())

	name := result.Context.VMName
	assert.True(t, fake.Called("uvt-kvm", "wait", name))
	assert.True(t, fake.Called("uvt-kvm", "list"))
	assert.True(t, fake.Called("uvt-kvm", "ssh", name))
	assert.True(t, fake.Called("virsh", "destroy", name))
	assert.True(t, fake.Called("virsh", "undefine", name))
	assert.True(t, fake.Called("uvt-simplestreams-libvirt", "purge"))

	create := stage(t, result, vmtest.StageCreate)
	require.Len(t, create.Commands, 1)
	assert.Equal(t, 1, create.Commands[0].ExitCode)
	assert.False(t, create.Commands[0].Passed)
	assert.Contains(t, create.Error, "exit code 1")

	rec := findRecord(logRecords(t, buf), "ERROR", "command failed", "uvt-kvm create")
	require.NotNil(t, rec, buf.String())
	assert.Equal(t, "uvt-kvm: error: image not found\n", rec["stderr"])
	assert.Equal(t, "", rec["stdout"])
	assert.Contains(t, rec["err"], vmtest.ErrCommandFailed.Error())
}

func TestRun_ImageSources(t *testing.T) {
	tests := []struct {
		name        string
		image       string
		wantSync    []string
		wantBacking string
	}{
		{
			name:     "http source",
			image:    "http://example.com/images/",
			wantSync: []string{"uvt-simplestreams-libvirt", "sync", "release=focal", "arch=amd64", "--source", "http://example.com/images/"},
		},
		{
			name:        "https image is a sync source and a backing file",
			image:       "https://example.com/focal.img",
			wantSync:    []string{"uvt-simplestreams-libvirt", "sync", "release=focal", "arch=amd64", "--source", "https://example.com/focal.img"},
			wantBacking: "https://example.com/focal.img",
		},
		{
			name:        "bare path",
			image:       "/srv/x.img",
			wantSync:    []string{"uvt-simplestreams-libvirt", "sync", "release=focal", "arch=amd64"},
			wantBacking: "/srv/x.img",
		},
		{
			name:     "unsupported scheme",
			image:    "gopher://example.com/x",
			wantSync: []string{"uvt-simplestreams-libvirt", "sync", "release=focal", "arch=amd64"},
		},
		{
			name:     "no image",
			image:    "",
			wantSync: []string{"uvt-simplestreams-libvirt", "sync", "release=focal", "arch=amd64"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newHostFake(t)

			result := vmtest.New(fake, newOptions(t, tt.image)).Run(context.Background())
			require.True(t, result.Passed, fake.String())

			assert.Equal(t, tt.wantSync, argvOf(t, fake, "uvt-simplestreams-libvirt", "sync"))

			create := argvOf(t, fake, "uvt-kvm", "create")
			if tt.wantBacking == "" {
				assert.NotContains(t, create, "--backing-image-file")
				return
			}
			i := slices.Index(create, "--backing-image-file")
			require.NotEqual(t, -1, i, create)
			assert.Equal(t, tt.wantBacking, create[i+1])
		})
	}
}

func TestRun_SuccessLogging(t *testing.T) {
	log, buf := newLogger(t)
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "list"}, runnerfake.Exit(0, "kvmcheck-vm\n", "")).
		On([]string{"virsh", "destroy"}, runnerfake.Exit(0, "", "Domain destroyed\n"))

	result := vmtest.New(fake, newOptions(t, "file:///img/focal.img"), vmtest.WithLogger(log)).Run(context.Background())
	require.True(t, result.Passed)

	records := logRecords(t, buf)

	rec := findRecord(records, "DEBUG", "command succeeded", "uvt-kvm list")
	require.NotNil(t, rec, buf.String())
	assert.Equal(t, "kvmcheck-vm\n", rec["output"])

	rec = findRecord(records, "DEBUG", "command succeeded", "virsh destroy")
	require.NotNil(t, rec, buf.String())
	assert.Equal(t, "Domain destroyed\n", rec["output"])

	rec = findRecord(records, "DEBUG", "command succeeded", "uvt-kvm wait")
	require.NotNil(t, rec, buf.String())
	assert.Equal(t, "no output", rec["output"])

	assert.Nil(t, findRecord(records, "ERROR", "command failed", ""))
}

func TestRun_CustomSSHKeyWithoutAgent(t *testing.T) {
	const msg = "uvt-kvm ssh cannot use the custom SSH key without an ssh-agent"

	t.Run("no agent", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")
		log, buf := newLogger(t)
		opts := newOptions(t, "file:///img/focal.img")

		result := vmtest.New(newHostFake(t), opts, vmtest.WithLogger(log)).Run(context.Background())
		require.True(t, result.Passed)

		rec := findRecord(logRecords(t, buf), "INFO", msg, "")
		require.NotNil(t, rec, buf.String())
		assert.Equal(t, opts.SSHKeyPath, rec["sshKeyPath"])
	})

	t.Run("agent running", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "/run/user/1000/ssh-agent.sock")
		log, buf := newLogger(t)

		result := vmtest.New(newHostFake(t), newOptions(t, "file:///img/focal.img"), vmtest.WithLogger(log)).Run(context.Background())
		require.True(t, result.Passed)
		assert.Nil(t, findRecord(logRecords(t, buf), "INFO", msg, ""))
	})
}

func TestRun_FailurePolicyAbort(t *testing.T) {
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "create"}, runnerfake.Exit(1, "", "boom"))

	opts := newOptions(t, "")
	opts.FailurePolicy = vmtest.FailureAbort

	result := vmtest.New(fake, opts).Run(context.Background())

	assert.False(t, result.Passed)
	for _, name := range []vmtest.StageName{vmtest.StageWait, vmtest.StageList, vmtest.StageVerify} {
		s := stage(t, result, name)
		assert.True(t, s.Skipped, name)
		assert.Equal(t, "aborted after create failed", s.SkipReason)
	}
	assert.False(t, fake.Called("uvt-kvm", "wait"))
	assert.False(t, fake.Called("uvt-kvm", "ssh"))

	cleanup := stage(t, result, vmtest.StageCleanup)
	assert.False(t, cleanup.Skipped, "cleanup always runs")
	assert.True(t, fake.Called("virsh", "destroy"))
}

func TestRun_CleanupPolicy(t *testing.T) {
	t.Run("on-create skips cleanup when create failed", func(t *testing.T) {
		fake := newHostFake(t).
			On([]string{"uvt-kvm", "create"}, runnerfake.Exit(1, "", ""))
		opts := newOptions(t, "")
		opts.CleanupPolicy = vmtest.CleanupOnCreate

		result := vmtest.New(fake, opts).Run(context.Background())

		cleanup := stage(t, result, vmtest.StageCleanup)
		assert.True(t, cleanup.Skipped)
		assert.False(t, fake.Called("virsh"))
		assert.False(t, fake.Called("uvt-simplestreams-libvirt", "purge"))
		assert.False(t, result.Passed)
	})

	t.Run("on-create cleans up a created VM", func(t *testing.T) {
		fake := newHostFake(t)
		opts := newOptions(t, "")
		opts.CleanupPolicy = vmtest.CleanupOnCreate

		result := vmtest.New(fake, opts).Run(context.Background())

		assert.True(t, result.Passed)
		assert.True(t, fake.Called("virsh", "undefine", result.Context.VMName))
	})

	t.Run("cleanup attempts every command", func(t *testing.T) {
		fake := newHostFake(t).
			On([]string{"virsh", "destroy"}, runnerfake.Exit(1, "", "domain is not running"))

		result := vmtest.New(fake, newOptions(t, "")).Run(context.Background())

		assert.False(t, result.Passed)
		assert.Equal(t, []vmtest.StageName{vmtest.StageCleanup}, result.FailedStages())
		assert.True(t, fake.Called("virsh", "undefine"))
		assert.True(t, fake.Called("uvt-simplestreams-libvirt", "purge"))
		assert.Len(t, stage(t, result, vmtest.StageCleanup).Commands, 3)
	})
}

func TestRun_MissingPackages(t *testing.T) {
	fake := runnerfake.New(t).
		On([]string{"dpkg-query", "-W", "-f=${Status}", "uvtool"}, runnerfake.Exit(0, "install ok installed", "")).
		On([]string{"dpkg-query", "-W", "-f=${Status}", "uvtool-libvirt"},
			runnerfake.Exit(1, "", "dpkg-query: no packages found matching uvtool-libvirt\n")).
		On([]string{"lsb_release", "-cs"}, runnerfake.Exit(0, "jammy\n", "")).
		On([]string{"dpkg", "--print-architecture"}, runnerfake.Exit(0, "arm64\n", ""))
	privileged := runnerfake.New(t)

	result := vmtest.New(fake, newOptions(t, ""), vmtest.WithPrivilegedRunner(privileged)).Run(context.Background())

	assert.True(t, result.Passed, fake.String())
	assert.Equal(t, []string{"apt-get install -y uvtool-libvirt"}, privileged.CallLines())
	assert.False(t, fake.Called("apt-get"))
	assert.Equal(t, []string{"uvt-simplestreams-libvirt", "sync", "release=jammy", "arch=arm64"},
		argvOf(t, fake, "uvt-simplestreams-libvirt", "sync"))
}

func TestRun_PackageInstallFailure(t *testing.T) {
	fake := runnerfake.New(t).
		On([]string{"dpkg-query"}, runnerfake.Exit(1, "", "")).
		On([]string{"apt-get"}, runnerfake.Fail(cmdrunner.ErrSpawn)).
		On([]string{"lsb_release", "-cs"}, runnerfake.Exit(0, "focal\n", "")).
		On([]string{"dpkg", "--print-architecture"}, runnerfake.Exit(0, "amd64\n", ""))

	result := vmtest.New(fake, newOptions(t, "")).Run(context.Background())

	pkgs := stage(t, result, vmtest.StagePackages)
	assert.True(t, pkgs.Failed())
	assert.Contains(t, pkgs.Error, "installing uvtool uvtool-libvirt")
	assert.True(t, fake.Called("uvt-kvm", "create"), "continue policy keeps running")
	assert.False(t, result.Passed)
}

func TestRun_ExplicitReleaseAndArch(t *testing.T) {
	fake := newHostFake(t)
	opts := newOptions(t, "")
	opts.Release = "noble"
	opts.Arch = "ppc64el"

	result := vmtest.New(fake, opts).Run(context.Background())

	assert.True(t, result.Passed)
	assert.False(t, fake.Called("lsb_release", "-cs"))
	assert.False(t, fake.Called("dpkg", "--print-architecture"))
	assert.Contains(t, argvOf(t, fake, "uvt-kvm", "create"), "release=noble")
}

func TestRun_HostDetectionFailure(t *testing.T) {
	fake := runnerfake.New(t).
		On([]string{"lsb_release", "-cs"}, runnerfake.Exit(0, "\n", "")).
		On([]string{"dpkg-query"}, runnerfake.Exit(0, "install ok installed", "")).
		On([]string{"dpkg", "--print-architecture"}, runnerfake.Exit(0, "amd64\n", ""))

	result := vmtest.New(fake, newOptions(t, "")).Run(context.Background())

	host := stage(t, result, vmtest.StageHost)
	assert.True(t, host.Failed())
	assert.Contains(t, host.Error, "detecting release")
	assert.False(t, result.Passed)
}

func TestRun_Canceled(t *testing.T) {
	fake := newHostFake(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := vmtest.New(fake, newOptions(t, "")).Run(ctx)

	assert.False(t, result.Passed)
	for _, s := range result.Stages {
		if s.Name == vmtest.StageCleanup {
			assert.False(t, s.Skipped)
			continue
		}
		assert.True(t, s.Skipped, s.Name)
	}
	assert.True(t, fake.Called("virsh", "destroy"), "cleanup runs on a detached context")
	assert.False(t, fake.Called("uvt-kvm"))
}

func TestRun_RunnerErrors(t *testing.T) {
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "wait"}, runnerfake.Fail(cmdrunner.ErrTimeout))

	result := vmtest.New(fake, newOptions(t, "")).Run(context.Background())

	wait := stage(t, result, vmtest.StageWait)
	assert.True(t, wait.Failed())
	assert.Contains(t, wait.Error, cmdrunner.ErrTimeout.Error())
	require.Len(t, wait.Commands, 1)
	assert.Equal(t, -1, wait.Commands[0].ExitCode)
	assert.True(t, fake.Called("uvt-kvm", "ssh"))
}

func TestRun_Inspector(t *testing.T) {
	fake := newHostFake(t)
	inspector := mockvmm.NewMockInspector(t)

	var taken string
	inspector.On("DomainExists", mock.Anything, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { taken = args.String(1) }).
		Return(true, nil).Once()
	inspector.On("DomainExists", mock.Anything, mock.AnythingOfType("string")).
		Return(false, nil)
	inspector.On("DomainState", mock.Anything, mock.AnythingOfType("string")).
		Return(vmm.StateRunning, nil).Once()
	inspector.On("DomainDisks", mock.Anything, mock.AnythingOfType("string")).
		Return([]vmm.Disk{{Device: "disk", Target: "vda", Source: "/var/lib/uvtool/libvirt/images/vm.qcow"}}, nil).Once()

	result := vmtest.New(fake, newOptions(t, ""), vmtest.WithInspector(inspector)).Run(context.Background())

	assert.True(t, result.Passed, fake.String())
	assert.Regexp(t, vmNameRegexp, taken)
	assert.NotEqual(t, taken, result.Context.VMName, "a name in use is never picked")
	inspector.AssertCalled(t, "DomainState", mock.Anything, result.Context.VMName)
	inspector.AssertCalled(t, "DomainExists", mock.Anything, result.Context.VMName)

	var eventTypes []string
	for _, e := range result.Events {
		eventTypes = append(eventTypes, e.EventType)
	}
	assert.Contains(t, eventTypes, "domain_inspected")
	assert.Contains(t, eventTypes, "vm_destroyed")
}

func TestRun_DomainSurvivesCleanup(t *testing.T) {
	fake := newHostFake(t)
	inspector := mockvmm.NewMockInspector(t)
	inspector.On("DomainExists", mock.Anything, mock.Anything).Return(false, nil).Once()
	inspector.On("DomainState", mock.Anything, mock.Anything).Return(vmm.StateRunning, nil)
	inspector.On("DomainDisks", mock.Anything, mock.Anything).Return(nil, nil)
	inspector.On("DomainExists", mock.Anything, mock.Anything).Return(true, nil)

	result := vmtest.New(fake, newOptions(t, ""), vmtest.WithInspector(inspector)).Run(context.Background())

	cleanup := stage(t, result, vmtest.StageCleanup)
	assert.True(t, cleanup.Failed())
	assert.Contains(t, cleanup.Error, vmtest.ErrDomainStillDefined.Error())
	assert.False(t, result.Passed)
}

func TestRun_InspectorErrorsAreNotFatal(t *testing.T) {
	fake := newHostFake(t)
	inspector := mockvmm.NewMockInspector(t)
	inspector.On("DomainExists", mock.Anything, mock.Anything).Return(false, errors.New("libvirt down"))
	inspector.On("DomainState", mock.Anything, mock.Anything).Return(vmm.StateUnknown, errors.New("libvirt down"))

	result := vmtest.New(fake, newOptions(t, ""), vmtest.WithInspector(inspector)).Run(context.Background())

	assert.True(t, result.Passed)
	inspector.AssertNotCalled(t, "DomainDisks", mock.Anything, mock.Anything)
}

type stubSSH struct {
	stdout, stderr string
	err            error
	cmd            []string
}

func (s *stubSSH) Run(_ context.Context, cmd ...string) (string, string, error) {
	s.cmd = cmd
	return s.stdout, s.stderr, s.err
}

func TestRun_NativeSSHProbe(t *testing.T) {
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "ip"}, runnerfake.Exit(0, "192.168.122.17\n", ""))
	stub := &stubSSH{stdout: "Distributor ID:\tUbuntu\n"}

	var dialed []string
	dialer := func(host, user, keyPath string) (ssh.Runner, error) {
		dialed = []string{host, user, keyPath}
		return stub, nil
	}

	opts := newOptions(t, "")
	opts.NativeSSHProbe = true

	result := vmtest.New(fake, opts, vmtest.WithSSHDialer(dialer)).Run(context.Background())

	assert.True(t, result.Passed, fake.String())
	assert.Equal(t, []string{"192.168.122.17", "ubuntu", opts.SSHKeyPath}, dialed)
	assert.Equal(t, []string{"lsb_release", "-a"}, stub.cmd)

	verify := stage(t, result, vmtest.StageVerify)
	require.Len(t, verify.Commands, 4)
	last := verify.Commands[3]
	assert.Equal(t, "ssh ubuntu@192.168.122.17 lsb_release -a", last.Command)
	assert.True(t, last.Passed)
}

func TestRun_NativeSSHProbeFailure(t *testing.T) {
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "ip"}, runnerfake.Exit(0, "192.168.122.17\n", ""))
	dialer := func(string, string, string) (ssh.Runner, error) {
		return &stubSSH{err: errors.New("unable to connect")}, nil
	}

	opts := newOptions(t, "")
	opts.NativeSSHProbe = true

	result := vmtest.New(fake, opts, vmtest.WithSSHDialer(dialer)).Run(context.Background())

	verify := stage(t, result, vmtest.StageVerify)
	assert.True(t, verify.Failed())
	assert.Contains(t, verify.Error, "native SSH probe")
	assert.False(t, result.Passed)
}

func TestRun_UserData(t *testing.T) {
	var userData string
	fake := newHostFake(t)
	fake.On([]string{"uvt-kvm", "create"}, func(_ context.Context, cmd cmdrunner.Command) (cmdrunner.Result, error) {
		i := slices.Index(cmd.Args, "--user-data")
		require.NotEqual(t, -1, i, cmd.Args)
		b, err := os.ReadFile(cmd.Args[i+1])
		require.NoError(t, err)
		userData = string(b)
		return cmdrunner.Result{}, nil
	})

	opts := newOptions(t, "")
	require.NoError(t, ssh.GenerateKeyPair(opts.SSHKeyPath, testKeyBits))
	opts.UserData = &vmtest.UserDataOptions{
		Packages:    []string{"lsb-release"},
		RunCommands: []string{"touch /var/tmp/kvmcheck"},
	}

	result := vmtest.New(fake, opts).Run(context.Background())

	require.True(t, result.Passed, fake.String())
	assert.True(t, strings.HasPrefix(userData, "#cloud-config\n"))
	assert.Contains(t, userData, "hostname: "+result.Context.VMName)
	assert.Contains(t, userData, "lsb-release")
	assert.NotContains(t, argvOf(t, fake, "uvt-kvm", "create"), "--ssh-public-key-file")

	pub, err := os.ReadFile(ssh.PublicKeyPath(opts.SSHKeyPath))
	require.NoError(t, err)
	assert.Contains(t, userData, strings.TrimSpace(string(pub)))

	_, err = os.Stat(filepath.Join(opts.WorkDir, result.Context.VMName+"-user-data"))
	assert.ErrorIs(t, err, os.ErrNotExist, "user-data is removed by cleanup")
}

func TestRun_VMNameIsUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for range 5 {
		result := vmtest.New(newHostFake(t), newOptions(t, "")).Run(context.Background())
		assert.Regexp(t, vmNameRegexp, result.Context.VMName)
		seen[result.Context.VMName] = struct{}{}
	}
	assert.Len(t, seen, 5)
}

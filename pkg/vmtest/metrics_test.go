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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/kvmcheck/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Run(t *testing.T) {
	fake := newHostFake(t).
		On([]string{"uvt-kvm", "wait"}, runnerfake.Exit(1, "", "timed out"))
	metrics := vmtest.NewMetrics()

	result := vmtest.New(fake, newOptions(t, ""), vmtest.WithObserver(metrics)).Run(context.Background())
	require.False(t, result.Passed)

	expected := `
# HELP kvmcheck_run_success 1 if the last run passed, 0 otherwise.
# TYPE kvmcheck_run_success gauge
kvmcheck_run_success 0
# HELP kvmcheck_stage_success 1 if the stage passed in the last run, 0 if it failed, -1 if it was skipped.
# TYPE kvmcheck_stage_success gauge
kvmcheck_stage_success{stage="cleanup"} 1
kvmcheck_stage_success{stage="create"} 1
kvmcheck_stage_success{stage="host"} 1
kvmcheck_stage_success{stage="list"} 1
kvmcheck_stage_success{stage="packages"} 1
kvmcheck_stage_success{stage="resolve-image"} 1
kvmcheck_stage_success{stage="ssh-key"} 1
kvmcheck_stage_success{stage="verify"} 1
kvmcheck_stage_success{stage="wait"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"kvmcheck_run_success", "kvmcheck_stage_success"))

	// uvt-kvm: create, wait, list, ssh, ssh lsb_release
	expectedCommands := `
# HELP kvmcheck_command_total External commands executed during the last run.
# TYPE kvmcheck_command_total counter
kvmcheck_command_total{outcome="failure",tool="uvt-kvm"} 1
kvmcheck_command_total{outcome="success",tool="dpkg"} 1
kvmcheck_command_total{outcome="success",tool="dpkg-query"} 2
kvmcheck_command_total{outcome="success",tool="lsb_release"} 1
kvmcheck_command_total{outcome="success",tool="uvt-kvm"} 4
kvmcheck_command_total{outcome="success",tool="uvt-simplestreams-libvirt"} 2
kvmcheck_command_total{outcome="success",tool="virsh"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expectedCommands),
		"kvmcheck_command_total"))
}

func TestMetrics_SkippedStage(t *testing.T) {
	metrics := vmtest.NewMetrics()
	metrics.ObserveStage(vmtest.StageResult{Name: vmtest.StageWait, Skipped: true})

	expected := `
# HELP kvmcheck_stage_success 1 if the stage passed in the last run, 0 if it failed, -1 if it was skipped.
# TYPE kvmcheck_stage_success gauge
kvmcheck_stage_success{stage="wait"} -1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"kvmcheck_stage_success"))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	metrics := vmtest.NewMetrics()
	metrics.ObserveRun(&vmtest.RunResult{Passed: true})

	path := filepath.Join(t.TempDir(), "textfile", "kvmcheck.prom")
	require.NoError(t, metrics.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "kvmcheck_run_success 1")
}

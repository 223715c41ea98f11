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
	"testing"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFailurePolicy(t *testing.T) {
	for in, want := range map[string]vmtest.FailurePolicy{
		"":         vmtest.FailureContinue,
		"continue": vmtest.FailureContinue,
		"abort":    vmtest.FailureAbort,
	} {
		got, err := vmtest.ParseFailurePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := vmtest.ParseFailurePolicy("retry")
	assert.ErrorIs(t, err, vmtest.ErrInvalidPolicy)
}

func TestParseCleanupPolicy(t *testing.T) {
	for in, want := range map[string]vmtest.CleanupPolicy{
		"":          vmtest.CleanupAlways,
		"always":    vmtest.CleanupAlways,
		"on-create": vmtest.CleanupOnCreate,
	} {
		got, err := vmtest.ParseCleanupPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := vmtest.ParseCleanupPolicy("never")
	assert.ErrorIs(t, err, vmtest.ErrInvalidPolicy)
}

func TestRunResult_ExitCode(t *testing.T) {
	result := &vmtest.RunResult{
		Passed: false,
		Stages: []vmtest.StageResult{
			{Name: vmtest.StageCreate, Passed: false},
			{Name: vmtest.StageWait, Skipped: true},
			{Name: vmtest.StageCleanup, Passed: true},
		},
	}
	assert.Equal(t, 1, result.ExitCode())
	assert.Equal(t, []vmtest.StageName{vmtest.StageCreate}, result.FailedStages())

	result.Passed = true
	assert.Equal(t, 0, result.ExitCode())
}

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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCommandFailed indicates a command exited with a nonzero status.
	ErrCommandFailed = errors.New("command failed")
	// ErrInvalidPolicy indicates an unknown failure or cleanup policy name.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrDomainStillDefined indicates the VM survived the cleanup stage.
	ErrDomainStillDefined = errors.New("domain still defined after cleanup")
)

// StageName identifies a stage in logs, events, reports and metrics.
type StageName string

const (
	StagePackages     StageName = "packages"
	StageSSHKey       StageName = "ssh-key"
	StageHost         StageName = "host"
	StageResolveImage StageName = "resolve-image"
	StageCreate       StageName = "create"
	StageWait         StageName = "wait"
	StageList         StageName = "list"
	StageVerify       StageName = "verify"
	StageCleanup      StageName = "cleanup"
)

// Stages lists every stage in execution order.
var Stages = []StageName{
	StagePackages,
	StageSSHKey,
	StageHost,
	StageResolveImage,
	StageCreate,
	StageWait,
	StageList,
	StageVerify,
	StageCleanup,
}

// FailurePolicy decides whether stages keep running after a failure.
type FailurePolicy string

const (
	// FailureContinue runs every stage regardless of earlier failures.
	FailureContinue FailurePolicy = "continue"
	// FailureAbort skips the remaining stages, except cleanup, after the
	// first failure.
	FailureAbort FailurePolicy = "abort"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailureContinue, FailureAbort:
		return p, nil
	case "":
		return FailureContinue, nil
	default:
		return "", fmt.Errorf("%w: failure policy %q (want %q or %q)",
			ErrInvalidPolicy, s, FailureContinue, FailureAbort)
	}
}

// CleanupPolicy decides when the cleanup stage runs.
type CleanupPolicy string

const (
	// CleanupAlways runs cleanup even when the VM could not be created.
	CleanupAlways CleanupPolicy = "always"
	// CleanupOnCreate runs cleanup only when the create stage passed.
	CleanupOnCreate CleanupPolicy = "on-create"
)

func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch p := CleanupPolicy(s); p {
	case CleanupAlways, CleanupOnCreate:
		return p, nil
	case "":
		return CleanupAlways, nil
	default:
		return "", fmt.Errorf("%w: cleanup policy %q (want %q or %q)",
			ErrInvalidPolicy, s, CleanupAlways, CleanupOnCreate)
	}
}

// TestContext holds the values a run works on. It is populated once, before
// the VM is created.
type TestContext struct {
	Image   string `json:"image"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
	VMName  string `json:"vmName"`
}

// CommandOutcome is the record of one executed command.
type CommandOutcome struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name       StageName        `json:"name"`
	Passed     bool             `json:"passed"`
	Skipped    bool             `json:"skipped"`
	SkipReason string           `json:"skipReason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Commands   []CommandOutcome `json:"commands,omitempty"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    time.Time        `json:"endTime"`
	Duration   time.Duration    `json:"duration"`
}

// Failed reports whether the stage ran and did not pass.
func (s StageResult) Failed() bool {
	return !s.Skipped && !s.Passed
}

// TestEvent represents a lifecycle event for timeline tracking
type TestEvent struct {
	Timestamp time.Time `json:"timestamp"`
	VMName    string    `json:"vmName,omitempty"`
	EventType string    `json:"eventType"`
	Details   string    `json:"details,omitempty"`
}

// RunResult is the complete outcome of a run.
type RunResult struct {
	RunID         string        `json:"runID"`
	Context       TestContext   `json:"context"`
	FailurePolicy FailurePolicy `json:"failurePolicy"`
	CleanupPolicy CleanupPolicy `json:"cleanupPolicy"`
	Passed        bool          `json:"passed"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	Duration      time.Duration `json:"duration"`
	Stages        []StageResult `json:"stages"`
	Events        []TestEvent   `json:"events"`
}

// Stage returns the result of the named stage.
func (r *RunResult) Stage(name StageName) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// FailedStages returns the names of the stages that ran and failed.
func (r *RunResult) FailedStages() []StageName {
	var out []StageName
	for _, s := range r.Stages {
		if s.Failed() {
			out = append(out, s.Name)
		}
	}
	return out
}

// ExitCode is the process exit code of the run: 0 on pass, 1 otherwise.
func (r *RunResult) ExitCode() int {
	if r.Passed {
		return 0
	}
	return 1
}

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

package vmm

import "context"

// DefaultURI is the libvirt connection used by uvtool.
const DefaultURI = "qemu:///system"

// State is the lifecycle state of a libvirt domain.
type State string

const (
	StateNoState     State = "nostate"
	StateRunning     State = "running"
	StateBlocked     State = "blocked"
	StatePaused      State = "paused"
	StateShutdown    State = "shutdown"
	StateShutoff     State = "shutoff"
	StateCrashed     State = "crashed"
	StatePMSuspended State = "pmsuspended"
	StateUnknown     State = "unknown"
)

// Disk describes one disk device of a domain.
type Disk struct {
	Device string // "disk", "cdrom"
	Target string // e.g. "vda"
	Format string // driver type, e.g. "qcow2"
	Source string // file or volume backing the device
	// BackingChain lists backing stores from the closest to the base image.
	BackingChain []string
}

// Inspector is a read-only view on the host's libvirt domains.
type Inspector interface {
	DomainExists(ctx context.Context, name string) (bool, error)
	DomainState(ctx context.Context, name string) (State, error)
	DomainDisks(ctx context.Context, name string) ([]Disk, error)
	Close() error
}

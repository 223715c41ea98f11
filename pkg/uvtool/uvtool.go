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

// Package uvtool builds the command lines of the external tools driven by a
// VM test: uvtool (uvt-kvm, uvt-simplestreams-libvirt), virsh, and the
// Debian package and host query tools.
//
// Every builder returns an explicit argument vector so that no value is ever
// subject to shell quoting.
package uvtool

import (
	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
)

const (
	SimplestreamsBin = "uvt-simplestreams-libvirt"
	KVMBin           = "uvt-kvm"
	VirshBin         = "virsh"
	DpkgQueryBin     = "dpkg-query"
	DpkgBin          = "dpkg"
	AptGetBin        = "apt-get"
	LSBReleaseBin    = "lsb_release"
)

// SimplestreamsSync mirrors the cloud image for release and arch into the
// libvirt storage pool. A non-empty source overrides the default
// simplestreams mirror.
func SimplestreamsSync(release, arch, source string) cmdrunner.Command {
	args := []string{"sync", "release=" + release, "arch=" + arch}
	if source != "" {
		args = append(args, "--source", source)
	}
	return cmdrunner.NewCommand(SimplestreamsBin, args...)
}

// SimplestreamsPurge removes every image synced by SimplestreamsSync.
func SimplestreamsPurge() cmdrunner.Command {
	return cmdrunner.NewCommand(SimplestreamsBin, "purge")
}

// CreateOptions holds the arguments of uvt-kvm create.
type CreateOptions struct {
	Name    string
	Release string

	// BackingImageFile is passed as --backing-image-file when set.
	BackingImageFile string
	// SSHPublicKeyFile is passed as --ssh-public-key-file when set.
	SSHPublicKeyFile string
	// UserDataFile is passed as --user-data when set. uvt-kvm then skips its
	// own cloud-init generation, so the file must carry the SSH key.
	UserDataFile string
}

// KVMCreate creates and starts a VM.
func KVMCreate(opts CreateOptions) cmdrunner.Command {
	args := []string{"create"}
	if opts.BackingImageFile != "" {
		args = append(args, "--backing-image-file", opts.BackingImageFile)
	}
	if opts.SSHPublicKeyFile != "" {
		args = append(args, "--ssh-public-key-file", opts.SSHPublicKeyFile)
	}
	if opts.UserDataFile != "" {
		args = append(args, "--user-data", opts.UserDataFile)
	}
	args = append(args, opts.Name, "release="+opts.Release)
	return cmdrunner.NewCommand(KVMBin, args...)
}

// KVMWait blocks until the VM finished booting and accepts SSH.
func KVMWait(name string) cmdrunner.Command {
	return cmdrunner.NewCommand(KVMBin, "wait", name)
}

// KVMList lists the VMs managed by uvtool.
func KVMList() cmdrunner.Command {
	return cmdrunner.NewCommand(KVMBin, "list")
}

// KVMSSH logs into the VM. When remote is not empty it is executed on the VM
// instead of opening a shell.
func KVMSSH(name string, remote ...string) cmdrunner.Command {
	args := append([]string{"ssh", name}, remote...)
	return cmdrunner.NewCommand(KVMBin, args...)
}

// KVMIP prints the VM's IP address.
func KVMIP(name string) cmdrunner.Command {
	return cmdrunner.NewCommand(KVMBin, "ip", name)
}

// VirshDestroy forcibly stops a domain.
//
// virsh destroy/undefine are used instead of uvt-kvm destroy, which fails to
// remove the domain on some releases (LP: #1452095).
func VirshDestroy(name string) cmdrunner.Command {
	return cmdrunner.NewCommand(VirshBin, "destroy", name)
}

// VirshUndefine removes a domain definition.
func VirshUndefine(name string) cmdrunner.Command {
	return cmdrunner.NewCommand(VirshBin, "undefine", name)
}

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

package uvtool

import (
	"strings"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
)

// DpkgQueryStatus prints the dpkg status line of pkg, e.g.
// "install ok installed".
func DpkgQueryStatus(pkg string) cmdrunner.Command {
	return cmdrunner.NewCommand(DpkgQueryBin, "-W", "-f=${Status}", pkg)
}

// IsInstalled reports whether a DpkgQueryStatus output describes an installed
// package.
func IsInstalled(status string) bool {
	return strings.HasSuffix(strings.TrimSpace(status), " installed") &&
		!strings.Contains(status, "not-installed")
}

// AptGetInstall installs pkgs non-interactively.
func AptGetInstall(pkgs ...string) cmdrunner.Command {
	args := append([]string{"install", "-y"}, pkgs...)
	return cmdrunner.NewCommand(AptGetBin, args...)
}

// LSBReleaseCodename prints the codename of the host release, e.g. "noble".
func LSBReleaseCodename() cmdrunner.Command {
	return cmdrunner.NewCommand(LSBReleaseBin, "-cs")
}

// DpkgArchitecture prints the host's Debian architecture, e.g. "amd64".
func DpkgArchitecture() cmdrunner.Command {
	return cmdrunner.NewCommand(DpkgBin, "--print-architecture")
}

// LSBReleaseAll is the remote command used as a secondary liveness check.
func LSBReleaseAll() []string {
	return []string{LSBReleaseBin, "-a"}
}

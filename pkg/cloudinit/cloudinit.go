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

// Package cloudinit renders the #cloud-config user-data handed to
// "uvt-kvm create --user-data".
package cloudinit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

const header = "#cloud-config\n"

var (
	errReadPublicKey  = errors.New("failed to read SSH public key")
	errEmptyPublicKey = errors.New("SSH public key is empty")
	errRenderUserData = errors.New("cannot render cloud-config from UserData")
	errWriteUserData  = errors.New("failed to write user-data file")
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	Groups            string   `json:"groups,omitempty"`
	LockPasswd        bool     `json:"lock_passwd"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// NewUser returns a passwordless sudoer authorized with the public keys read
// from publicKeyPathList.
func NewUser(name string, publicKeyPathList ...string) (User, error) {
	authorizedKeys := make([]string, 0, len(publicKeyPathList))
	for _, path := range publicKeyPathList {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, errors.Join(err, fmt.Errorf("path=%s", path), errReadPublicKey)
		}
		key := strings.TrimSpace(string(b))
		if key == "" {
			return User{}, errors.Join(fmt.Errorf("path=%s", path), errEmptyPublicKey)
		}
		authorizedKeys = append(authorizedKeys, key)
	}
	return NewUserWithAuthorizedKeys(name, authorizedKeys), nil
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		Groups:            "sudo",
		LockPasswd:        true,
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type UserData struct {
	Hostname       string   `json:"hostname"`
	ManageEtcHosts bool     `json:"manage_etc_hosts,omitempty"`
	PackageUpdate  bool     `json:"package_update,omitempty"`
	Packages       []string `json:"packages,omitempty"`
	Users          []User   `json:"users"`
	RunCommands    []string `json:"runcmd,omitempty"`
}

// NewUserData returns the user-data of a test VM. Installing packages
// implies refreshing the package index first.
func NewUserData(hostname string, user User, packages, runCommands []string) UserData {
	return UserData{
		Hostname:       hostname,
		ManageEtcHosts: true,
		PackageUpdate:  len(packages) > 0,
		Packages:       packages,
		Users:          []User{user},
		RunCommands:    runCommands,
	}
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", errors.Join(err, errRenderUserData)
	}
	return header + string(b), nil
}

// WriteFile renders the user-data into path. The file holds authorized keys,
// hence the 0600 mode.
func (ud UserData) WriteFile(path string) error {
	s, err := ud.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), errWriteUserData)
	}
	if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), errWriteUserData)
	}
	return nil
}

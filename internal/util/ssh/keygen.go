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

package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// DefaultKeyBits matches the ssh-keygen default for RSA keys.
const DefaultKeyBits = 3072

const keyComment = "kvmcheck"

// PublicKeyPath returns the conventional public key path of privateKeyPath.
func PublicKeyPath(privateKeyPath string) string {
	return privateKeyPath + ".pub"
}

// EnsureKeyPair makes sure an OpenSSH key pair exists at privateKeyPath and
// its ".pub" sibling. A missing public key is derived from the private key.
// It reports whether anything was written.
func EnsureKeyPair(privateKeyPath string, bits int) (bool, error) {
	_, err := os.Stat(privateKeyPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true, GenerateKeyPair(privateKeyPath, bits)
	case err != nil:
		return false, fmt.Errorf("checking private key %s: %w", privateKeyPath, err)
	}

	pubPath := PublicKeyPath(privateKeyPath)
	if _, err := os.Stat(pubPath); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking public key %s: %w", pubPath, err)
	}

	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return false, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return false, fmt.Errorf("unable to parse private key: %w", err)
	}
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(signer.PublicKey()), 0o644); err != nil {
		return false, fmt.Errorf("writing public key %s: %w", pubPath, err)
	}
	return true, nil
}

// GenerateKeyPair writes a new RSA key pair: the private key in OpenSSH
// format at privateKeyPath (mode 0600) and the authorized_keys line next to
// it with a ".pub" suffix.
func GenerateKeyPair(privateKeyPath string, bits int) error {
	if bits <= 0 {
		bits = DefaultKeyBits
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generating RSA key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, keyComment)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}

	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing private key %s: %w", privateKeyPath, err)
	}

	pubPath := PublicKeyPath(privateKeyPath)
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(pub), 0o644); err != nil {
		return fmt.Errorf("writing public key %s: %w", pubPath, err)
	}

	return nil
}

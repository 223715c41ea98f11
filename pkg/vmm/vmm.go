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

import (
	"context"
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"
)

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errGetDomainState        = errors.New("failed to get domain state")
	errGetDomainXML          = errors.New("failed to get domain XML")

	// ErrDomainNotFound is returned when no domain carries the requested name.
	ErrDomainNotFound = errors.New("domain not found")
)

// VMM inspects libvirt domains through a single connection.
type VMM struct {
	conn *libvirt.Connect
	uri  string
}

var _ Inspector = (*VMM)(nil)

// Option is a functional option for configuring VMM
type Option func(*VMM)

// WithURI sets the libvirt connection URI.
func WithURI(uri string) Option {
	return func(v *VMM) {
		if uri != "" {
			v.uri = uri
		}
	}
}

// NewVMM connects to libvirt, on qemu:///system by default.
func NewVMM(opts ...Option) (*VMM, error) {
	v := &VMM{uri: DefaultURI}
	for _, opt := range opts {
		opt(v)
	}

	conn, err := libvirt.NewConnect(v.uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", v.uri), errConnectLibvirt)
	}

	v.conn = conn
	return v, nil
}

// URI returns the libvirt connection URI.
func (v *VMM) URI() string {
	return v.uri
}

// DomainExists reports whether a domain named name is defined.
func (v *VMM) DomainExists(ctx context.Context, name string) (bool, error) {
	dom, err := v.lookup(ctx, name)
	if errors.Is(err, ErrDomainNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = dom.Free()
	return true, nil
}

// DomainState returns the current state of the domain.
func (v *VMM) DomainState(ctx context.Context, name string) (State, error) {
	dom, err := v.lookup(ctx, name)
	if err != nil {
		return StateUnknown, err
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return StateUnknown, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	return stateFromLibvirt(state), nil
}

// DomainDisks returns the disk devices of the domain with their backing chains.
func (v *VMM) DomainDisks(ctx context.Context, name string) ([]Disk, error) {
	dom, err := v.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dom.Free() }()

	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainXML)
	}
	return parseDomainDisks(xml)
}

// Close closes the libvirt connection.
func (v *VMM) Close() error {
	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	v.conn = nil
	return err
}

func (v *VMM) lookup(ctx context.Context, name string) (*libvirt.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	dom, err := v.conn.LookupDomainByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, name)
		}
		return nil, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	return dom, nil
}

func stateFromLibvirt(s libvirt.DomainState) State {
	switch s {
	case libvirt.DOMAIN_NOSTATE:
		return StateNoState
	case libvirt.DOMAIN_RUNNING:
		return StateRunning
	case libvirt.DOMAIN_BLOCKED:
		return StateBlocked
	case libvirt.DOMAIN_PAUSED:
		return StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return StateShutdown
	case libvirt.DOMAIN_SHUTOFF:
		return StateShutoff
	case libvirt.DOMAIN_CRASHED:
		return StateCrashed
	case libvirt.DOMAIN_PMSUSPENDED:
		return StatePMSuspended
	default:
		return StateUnknown
	}
}

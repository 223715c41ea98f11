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

package mockvmm

import (
	"context"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmm"
	"github.com/stretchr/testify/mock"
)

// MockInspector is a testify mock of vmm.Inspector.
type MockInspector struct {
	mock.Mock
}

var _ vmm.Inspector = (*MockInspector)(nil)

// NewMockInspector returns a MockInspector whose expectations are asserted
// when the test ends.
func NewMockInspector(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockInspector {
	m := &MockInspector{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockInspector) DomainExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockInspector) DomainState(ctx context.Context, name string) (vmm.State, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(vmm.State), args.Error(1)
}

func (m *MockInspector) DomainDisks(ctx context.Context, name string) ([]vmm.Disk, error) {
	args := m.Called(ctx, name)
	disks, _ := args.Get(0).([]vmm.Disk)
	return disks, args.Error(1)
}

func (m *MockInspector) Close() error {
	return m.Called().Error(0)
}

package store

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	args := m.Called(ctx, path)
	if raw, ok := args.Get(0).(json.RawMessage); ok {
		return raw, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Write(ctx context.Context, path string, doc any) error {
	args := m.Called(ctx, path, doc)
	return args.Error(0)
}
func (m *MockStore) Update(ctx context.Context, path string, fields map[string]any) error {
	args := m.Called(ctx, path, fields)
	return args.Error(0)
}
func (m *MockStore) Delete(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

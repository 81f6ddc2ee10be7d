package mocks

import (
	"context"
	"sync"

	"autocoder/pkg/codegen"
)

// MockGenerator implements codegen.Generator. By default it scaffolds
// Files and returns each patched file unchanged.
type MockGenerator struct {
	// Files is returned from GenerateProject.
	Files []codegen.File
	// ScaffoldErr fails GenerateProject.
	ScaffoldErr error
	// PatchFunc computes a patch; nil echoes the current contents.
	PatchFunc func(req codegen.PatchRequest) (codegen.Patch, error)

	// PatchCalls and ScaffoldCalls record requests in call order.
	PatchCalls    []codegen.PatchRequest
	ScaffoldCalls []codegen.ScaffoldRequest

	mu sync.Mutex
}

// NewMockGenerator creates a generator that scaffolds files.
func NewMockGenerator(files ...codegen.File) *MockGenerator {
	return &MockGenerator{Files: files}
}

// GenerateProject implements codegen.Generator.
func (m *MockGenerator) GenerateProject(ctx context.Context, req codegen.ScaffoldRequest) ([]codegen.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScaffoldCalls = append(m.ScaffoldCalls, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ScaffoldErr != nil {
		return nil, m.ScaffoldErr
	}
	return append([]codegen.File(nil), m.Files...), nil
}

// GeneratePatch implements codegen.Generator.
func (m *MockGenerator) GeneratePatch(ctx context.Context, req codegen.PatchRequest) (codegen.Patch, error) {
	m.mu.Lock()
	m.PatchCalls = append(m.PatchCalls, req)
	fn := m.PatchFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return codegen.Patch{}, err
	}
	if fn != nil {
		return fn(req)
	}
	return codegen.Patch{File: req.File, Content: req.Content}, nil
}

// PatchedKeys returns the error keys patched, in call order.
func (m *MockGenerator) PatchedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.PatchCalls))
	for _, c := range m.PatchCalls {
		keys = append(keys, c.Error.Key())
	}
	return keys
}

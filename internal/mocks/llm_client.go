package mocks

import (
	"context"
	"errors"
	"sync"

	"autocoder/pkg/codegen"
)

// MockLLMClient implements codegen.LLMClient with scripted responses.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	// CompleteFunc overrides the scripted responses when set.
	CompleteFunc func(ctx context.Context, req codegen.Request) (codegen.Response, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []codegen.Request

	responses []codegen.Response
	errs      []error
	modelName string
	mu        sync.Mutex
}

// NewMockLLMClient creates a mock that answers with responses in order and
// then repeats the last one.
func NewMockLLMClient(responses ...string) *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	for _, r := range responses {
		m.responses = append(m.responses, codegen.Response{Content: r, StopReason: "end_turn"})
	}
	return m
}

// WithModel sets the model name reported by Model.
func (m *MockLLMClient) WithModel(name string) *MockLLMClient {
	m.modelName = name
	return m
}

// FailNext makes the next len(errs) calls fail with errs in order.
func (m *MockLLMClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Complete implements codegen.LLMClient.
//
//nolint:gocritic // matches the interface
func (m *MockLLMClient) Complete(ctx context.Context, req codegen.Request) (codegen.Response, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	var err error
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	}
	var resp codegen.Response
	if len(m.responses) > 0 {
		resp = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	m.mu.Unlock()

	if err != nil {
		return codegen.Response{}, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if resp.Content == "" {
		return codegen.Response{}, errors.New("mock llm: no scripted response")
	}
	return resp, nil
}

// Model implements codegen.LLMClient.
func (m *MockLLMClient) Model() string {
	return m.modelName
}

// CallCount returns the number of Complete calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

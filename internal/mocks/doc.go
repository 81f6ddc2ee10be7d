// Package mocks provides shared test doubles for collaborators.
//
// # Usage
//
//	import "autocoder/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    runtime := mocks.NewMockContainerManager()
//	    runtime.OnExec(func(ctx context.Context, opts exec.ExecOptions) (exec.Result, error) {
//	        return exec.Result{ExitCode: 0}, nil
//	    })
//	    // Use runtime in test...
//	}
//
// # Available Mocks
//
//   - MockContainerManager: in-memory subagent.ContainerRuntime
//   - MockLLMClient: scripted codegen.LLMClient
//   - MockGenerator: codegen.Generator that records patch requests
package mocks

package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/diagnose"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/utils"
)

const (
	defaultMaxTokens       = 8192
	defaultMaxPromptTokens = 60000
)

// ErrNoFiles is returned when a scaffold response names no files.
var ErrNoFiles = errors.New("response contained no files")

// File is one generated workspace file, relative to the workspace root.
type File struct {
	Path    string
	Content string
}

// ScaffoldRequest asks for the initial project files.
type ScaffoldRequest struct {
	ProjectID   string
	Name        string
	Description string
	Plan        string
	Feedback    []string
}

// PatchRequest asks for a fix to one diagnosed error.
type PatchRequest struct {
	ProjectID string
	File      string
	Content   string // current file contents
	Error     *diagnose.ErrorAnalysis
	Context   string // numbered lines around the error
	Feedback  []string
}

// Patch is the full replacement contents for one file.
type Patch struct {
	File    string
	Content string
}

// Generator produces code. Callers treat it as opaque: given a plan or an
// error with context, it returns file contents to write.
type Generator interface {
	GenerateProject(ctx context.Context, req ScaffoldRequest) ([]File, error)
	GeneratePatch(ctx context.Context, req PatchRequest) (Patch, error)
}

// TokenUsage is the LLM consumption attributed to one project.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// UsageSource is implemented by generators that track per-project usage.
type UsageSource interface {
	// TakeUsage returns and resets the usage recorded for projectID.
	TakeUsage(projectID string) TokenUsage
}

// LLMGenerator implements Generator over an LLMClient.
type LLMGenerator struct {
	client          LLMClient
	counter         *utils.TokenCounter
	recorder        metrics.Recorder
	logger          *logx.Logger
	usage           map[string]TokenUsage
	maxTokens       int
	maxPromptTokens int
	mu              sync.Mutex
}

// GeneratorOption configures an LLMGenerator.
type GeneratorOption func(*LLMGenerator)

// WithMetrics records every completion.
func WithMetrics(r metrics.Recorder) GeneratorOption {
	return func(g *LLMGenerator) { g.recorder = r }
}

// WithTokenLimits caps completion and prompt sizes. Zero keeps the default.
func WithTokenLimits(maxTokens, maxPromptTokens int) GeneratorOption {
	return func(g *LLMGenerator) {
		if maxTokens > 0 {
			g.maxTokens = maxTokens
		}
		if maxPromptTokens > 0 {
			g.maxPromptTokens = maxPromptTokens
		}
	}
}

// NewLLMGenerator creates a generator over client.
func NewLLMGenerator(client LLMClient, opts ...GeneratorOption) *LLMGenerator {
	logger := logx.NewLogger("codegen")
	counter, err := utils.NewTokenCounter(client.Model())
	if err != nil {
		logger.Warn("Token counter unavailable, estimating from length: %v", err)
	}
	g := &LLMGenerator{
		client:          client,
		counter:         counter,
		recorder:        metrics.Nop(),
		logger:          logger,
		usage:           make(map[string]TokenUsage),
		maxTokens:       defaultMaxTokens,
		maxPromptTokens: defaultMaxPromptTokens,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

const scaffoldSystemPrompt = `You are a senior TypeScript engineer building a self-contained plugin package.
Produce a complete, buildable project: package.json, tsconfig.json, source under src/ and tests under src/__tests__/.
Use strict TypeScript with explicit types. Tests run with "npm test".
Emit every file as a fenced code block preceded by a line "File: <relative path>". Do not emit anything else.`

const patchSystemPrompt = `You fix compiler, linter and test failures in TypeScript projects.
Change only what is needed to resolve the reported error without breaking other code.
Reply with the complete corrected file in a single fenced code block and nothing else.`

// GenerateProject asks for the initial files of a project.
func (g *LLMGenerator) GenerateProject(ctx context.Context, req ScaffoldRequest) ([]File, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Project name: %s\n\n", req.Name)
	fmt.Fprintf(&b, "Description:\n%s\n\n", req.Description)
	if req.Plan != "" {
		fmt.Fprintf(&b, "Implementation plan:\n%s\n\n", req.Plan)
	}
	writeFeedback(&b, req.Feedback)

	prompt := g.counter.TruncateToTokenLimit(b.String(), g.maxPromptTokens)
	resp, err := g.complete(ctx, req.ProjectID, scaffoldSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	files := ParseFiles(resp.Content)
	if len(files) == 0 {
		return nil, fmt.Errorf("scaffold for %s: %w", req.Name, ErrNoFiles)
	}
	return files, nil
}

// GeneratePatch asks for a corrected version of the file containing the
// error. Files too large for the prompt budget are rejected rather than
// truncated, since a truncated file would come back truncated.
func (g *LLMGenerator) GeneratePatch(ctx context.Context, req PatchRequest) (Patch, error) {
	if req.Error == nil {
		return Patch{}, NewError(ErrorTypeBadPrompt, "patch request without an error")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", req.File)
	fmt.Fprintf(&b, "Error (%s %s) at line %d: %s\n", req.Error.Type, req.Error.Code, req.Error.Line, req.Error.Message)
	if req.Error.Suggestion != "" {
		fmt.Fprintf(&b, "Suggested fix: %s\n", req.Error.Suggestion)
	}
	if req.Error.FixAttempts > 0 {
		fmt.Fprintf(&b, "Previous attempts to fix this error: %d\n", req.Error.FixAttempts)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s%s\n%s\n", fence, req.Context, fence)
	}
	writeFeedback(&b, req.Feedback)
	fmt.Fprintf(&b, "\nCurrent contents of %s:\n%s\n%s%s\n", req.File, fence, req.Content, fence)

	prompt := b.String()
	if n := g.counter.CountTokens(prompt); n > g.maxPromptTokens {
		return Patch{}, NewError(ErrorTypeBadPrompt, fmt.Sprintf("%s needs %d prompt tokens, budget is %d", req.File, n, g.maxPromptTokens))
	}

	resp, err := g.complete(ctx, req.ProjectID, patchSystemPrompt, prompt)
	if err != nil {
		return Patch{}, err
	}
	content := ExtractCode(resp.Content)
	if strings.TrimSpace(content) == "" {
		return Patch{}, NewError(ErrorTypeEmptyResponse, "patch response contained no code")
	}
	return Patch{File: req.File, Content: content}, nil
}

// TakeUsage returns and resets the usage recorded for projectID.
func (g *LLMGenerator) TakeUsage(projectID string) TokenUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.usage[projectID]
	delete(g.usage, projectID)
	return u
}

func (g *LLMGenerator) complete(ctx context.Context, projectID, system, prompt string) (Response, error) {
	model := g.client.Model()
	start := time.Now()
	resp, err := g.client.Complete(ctx, Request{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   g.maxTokens,
		Temperature: TemperatureDeterministic,
	})
	duration := time.Since(start)

	if err != nil {
		g.recorder.ObserveLLMRequest(model, projectID, 0, 0, 0, false, duration)
		return Response{}, err
	}

	// Some providers omit usage; estimate it so billing still sees the call.
	if resp.PromptTokens == 0 {
		resp.PromptTokens = g.counter.CountTokens(system) + g.counter.CountTokens(prompt)
	}
	if resp.CompletionTokens == 0 {
		resp.CompletionTokens = g.counter.CountTokens(resp.Content)
	}
	cost := config.CalculateCost(model, resp.PromptTokens, resp.CompletionTokens)
	g.recorder.ObserveLLMRequest(model, projectID, resp.PromptTokens, resp.CompletionTokens, cost, true, duration)

	g.mu.Lock()
	u := g.usage[projectID]
	u.PromptTokens += resp.PromptTokens
	u.CompletionTokens += resp.CompletionTokens
	u.CostUSD += cost
	g.usage[projectID] = u
	g.mu.Unlock()

	logx.Debug(ctx, "codegen", "%s completion: %d prompt / %d completion tokens in %v", model, resp.PromptTokens, resp.CompletionTokens, duration)
	return resp, nil
}

func writeFeedback(b *strings.Builder, feedback []string) {
	if len(feedback) == 0 {
		return
	}
	b.WriteString("\nUser feedback to take into account:\n")
	for _, f := range feedback {
		fmt.Fprintf(b, "- %s\n", f)
	}
}

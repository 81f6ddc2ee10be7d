// Package research gathers findings and risk signals for a task from an
// optional research service, falling back to keyword-based static analysis
// when the service is absent or failing.
package research

import (
	"context"
	"errors"
	"time"
)

// ErrResearchUnavailable marks a missing or failing research service. It is
// logged and never surfaced to users; callers receive the static fallback.
var ErrResearchUnavailable = errors.New("research service unavailable")

// StaticAnalysisSource is the Source of every fallback finding.
const StaticAnalysisSource = "Static analysis"

// ServiceSource is the Source of a finding the research service returned
// without attribution.
const ServiceSource = "Research service"

// ProjectStatus is a research project's lifecycle state.
type ProjectStatus string

const (
	StatusPending   ProjectStatus = "pending"
	StatusActive    ProjectStatus = "active"
	StatusCompleted ProjectStatus = "completed"
	StatusFailed    ProjectStatus = "failed"
)

// Finding is one piece of research output.
type Finding struct {
	Content   string  `json:"content" yaml:"content"`
	Source    string  `json:"source" yaml:"source"`
	Category  string  `json:"category,omitempty" yaml:"category,omitempty"`
	Relevance float64 `json:"relevance,omitempty" yaml:"relevance,omitempty"`
}

// SourceRef is a document the research service consulted.
type SourceRef struct {
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
}

// Project is the research service's view of one query.
type Project struct {
	ID       string        `json:"id"`
	Status   ProjectStatus `json:"status"`
	Findings []Finding     `json:"findings,omitempty"`
	Sources  []SourceRef   `json:"sources,omitempty"`
	Report   string        `json:"report,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Options tune a research query.
type Options struct {
	MaxSources int    `json:"maxSources,omitempty"`
	Domain     string `json:"domain,omitempty"`
	Depth      string `json:"depth,omitempty"` // quick | standard | deep
}

// Capability is the external research service.
type Capability interface {
	CreateResearchProject(ctx context.Context, query string, opts Options) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
}

// Document is a research summary written to the knowledge store.
type Document struct {
	Title     string            `yaml:"title"`
	ProjectID string            `yaml:"project"`
	Tags      []string          `yaml:"tags,omitempty"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
	CreatedAt time.Time         `yaml:"created"`
	Content   string            `yaml:"-"`
}

// KnowledgeStore persists research summaries.
type KnowledgeStore interface {
	StoreDocument(ctx context.Context, doc Document) (string, error)
}

// Impact grades a risk dimension.
type Impact string

const (
	ImpactNone   Impact = "none"
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Risk is one typed risk.
type Risk struct {
	Type        string `json:"type"` // security | performance | complexity | compatibility
	Severity    Impact `json:"severity"`
	Description string `json:"description"`
}

// RiskAssessment summarises the risks of a task.
type RiskAssessment struct {
	SecurityImpact    Impact `json:"securityImpact"`
	PerformanceImpact Impact `json:"performanceImpact"`
	Complexity        Impact `json:"complexity"`
	BreakingChanges   bool   `json:"breakingChanges"`
	Risks             []Risk `json:"risks,omitempty"`
}

// Issue is the task being researched.
type Issue struct {
	Title       string
	Description string
	Keywords    []string
	ProjectID   string
}

// Context is the research result for one issue. It lives only as long as the
// phase that consumes it.
type Context struct {
	Query     string         `json:"query"`
	Findings  []Finding      `json:"findings"`
	Guidance  []string       `json:"guidance,omitempty"`
	Risk      RiskAssessment `json:"risk"`
	Sources   []SourceRef    `json:"sources,omitempty"`
	Report    string         `json:"report,omitempty"`
	Source    string         `json:"source"`
	Fallback  bool           `json:"fallback"`
	Collected time.Time      `json:"collected"`
}

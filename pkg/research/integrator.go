package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"autocoder/pkg/logx"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 60
	defaultCacheTTL     = time.Hour
	defaultCacheBytes   = 32 << 20
)

// Config tunes an Integrator.
type Config struct {
	PollInterval  time.Duration
	MaxPolls      int
	CacheTTL      time.Duration
	CacheMaxBytes int64
	Options       Options
}

// Integrator runs research for issues. Both collaborators are optional;
// a nil Capability means research always uses the static fallback.
type Integrator struct {
	capability Capability
	knowledge  KnowledgeStore
	cache      *ristretto.Cache[string, *Context]
	cfg        Config
	logger     *logx.Logger
}

// NewIntegrator creates an integrator. capability and knowledge may be nil.
func NewIntegrator(capability Capability, knowledge KnowledgeStore, cfg Config) (*Integrator, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = defaultCacheBytes
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Context]{
		NumCounters: 10_000,
		MaxCost:     cfg.CacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create research cache: %w", err)
	}

	return &Integrator{
		capability: capability,
		knowledge:  knowledge,
		cache:      cache,
		cfg:        cfg,
		logger:     logx.NewLogger("research"),
	}, nil
}

// Available reports whether a research service is configured.
func (i *Integrator) Available() bool {
	return i.capability != nil
}

// ResearchIssue returns findings for issue. It never fails: when the
// research service is absent, errors or returns nothing, the static
// analysis result is returned and the cause is logged.
func (i *Integrator) ResearchIssue(ctx context.Context, issue Issue) *Context {
	query := BuildQuery(issue)
	key := cacheKey(query)

	if cached, ok := i.cache.Get(key); ok {
		logx.Debug(ctx, "research", "cache hit for %q", query)
		return cloneContext(cached)
	}

	rc, err := i.research(ctx, issue, query)
	if err != nil {
		i.logger.Warn("Research for %q fell back to static analysis: %v", query, err)
		return StaticAnalysis(issue)
	}

	i.cache.SetWithTTL(key, rc, contextCost(rc), i.cfg.CacheTTL)
	i.cache.Wait()
	i.store(ctx, issue, rc)
	return cloneContext(rc)
}

func (i *Integrator) research(ctx context.Context, issue Issue, query string) (*Context, error) {
	if i.capability == nil {
		return nil, fmt.Errorf("%w: no research capability configured", ErrResearchUnavailable)
	}

	project, err := i.capability.CreateResearchProject(ctx, query, i.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %w", ErrResearchUnavailable, err)
	}
	if project == nil || project.ID == "" {
		return nil, fmt.Errorf("%w: create returned no project", ErrResearchUnavailable)
	}

	project, err = i.poll(ctx, project)
	if err != nil {
		return nil, err
	}
	if len(project.Findings) == 0 {
		return nil, fmt.Errorf("%w: project %s completed without findings", ErrResearchUnavailable, project.ID)
	}

	rc := &Context{
		Query:     query,
		Sources:   project.Sources,
		Report:    project.Report,
		Source:    ServiceSource,
		Collected: time.Now().UTC(),
	}
	var text strings.Builder
	text.WriteString(issue.Title + " " + issue.Description)
	for _, f := range project.Findings {
		if f.Source == "" {
			f.Source = ServiceSource
		}
		rc.Findings = append(rc.Findings, f)
		text.WriteString(" " + f.Content)
		if f.Category == "guidance" || f.Category == "implementation" {
			rc.Guidance = append(rc.Guidance, f.Content)
		}
	}
	rc.Risk = AssessRisk(text.String())
	return rc, nil
}

// poll waits for the research project to leave pending/active.
func (i *Integrator) poll(ctx context.Context, project *Project) (*Project, error) {
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 0; ; polls++ {
		switch project.Status {
		case StatusCompleted:
			return project, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: project %s failed: %s", ErrResearchUnavailable, project.ID, project.Error)
		}
		if polls >= i.cfg.MaxPolls {
			return nil, fmt.Errorf("%w: project %s still %s after %d polls", ErrResearchUnavailable, project.ID, project.Status, polls)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrResearchUnavailable, ctx.Err())
		case <-ticker.C:
		}

		next, err := i.capability.GetProject(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %w", ErrResearchUnavailable, project.ID, err)
		}
		if next == nil {
			return nil, fmt.Errorf("%w: project %s disappeared", ErrResearchUnavailable, project.ID)
		}
		project = next
	}
}

// store writes a summary to the knowledge store. Failures are logged.
func (i *Integrator) store(ctx context.Context, issue Issue, rc *Context) {
	if i.knowledge == nil {
		return
	}
	doc := Document{
		Title:     "Research: " + issue.Title,
		ProjectID: issue.ProjectID,
		Tags:      issue.Keywords,
		Metadata: map[string]string{
			"query":            rc.Query,
			"source":           rc.Source,
			"security_impact":  string(rc.Risk.SecurityImpact),
			"breaking_changes": fmt.Sprintf("%t", rc.Risk.BreakingChanges),
		},
		CreatedAt: rc.Collected,
		Content:   Summarize(rc),
	}
	id, err := i.knowledge.StoreDocument(ctx, doc)
	if err != nil {
		i.logger.Warn("Failed to store research summary for %s: %v", issue.ProjectID, err)
		return
	}
	logx.Debug(ctx, "research", "stored research summary %s", id)
}

// Close releases the cache.
func (i *Integrator) Close() {
	i.cache.Close()
}

// IsUnavailable reports whether err came from a missing or failing service.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrResearchUnavailable)
}

func cacheKey(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func contextCost(rc *Context) int64 {
	cost := int64(len(rc.Report) + len(rc.Query))
	for _, f := range rc.Findings {
		cost += int64(len(f.Content))
	}
	for _, g := range rc.Guidance {
		cost += int64(len(g))
	}
	return cost + 1
}

func cloneContext(rc *Context) *Context {
	c := *rc
	c.Findings = append([]Finding(nil), rc.Findings...)
	c.Guidance = append([]string(nil), rc.Guidance...)
	c.Sources = append([]SourceRef(nil), rc.Sources...)
	c.Risk.Risks = append([]Risk(nil), rc.Risk.Risks...)
	return &c
}

// Summarize renders a research context as markdown.
func Summarize(rc *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research summary\n\nQuery: %s\nSource: %s\n\n", rc.Query, rc.Source)

	b.WriteString("## Findings\n\n")
	for _, f := range rc.Findings {
		fmt.Fprintf(&b, "- %s (%s)\n", f.Content, f.Source)
	}

	if len(rc.Guidance) > 0 {
		b.WriteString("\n## Guidance\n\n")
		for _, g := range rc.Guidance {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}

	fmt.Fprintf(&b, "\n## Risk\n\n- Security: %s\n- Performance: %s\n- Complexity: %s\n- Breaking changes: %t\n",
		rc.Risk.SecurityImpact, rc.Risk.PerformanceImpact, rc.Risk.Complexity, rc.Risk.BreakingChanges)
	for _, r := range rc.Risk.Risks {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Type, r.Severity, r.Description)
	}

	if len(rc.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, s := range rc.Sources {
			fmt.Fprintf(&b, "- [%s](%s)\n", s.Title, s.URL)
		}
	}
	return b.String()
}

package research

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService completes after readyAfter polls.
type fakeService struct {
	createErr  error
	getErr     error
	readyAfter int32
	final      Project
	creates    atomic.Int32
	gets       atomic.Int32
}

func (f *fakeService) CreateResearchProject(_ context.Context, _ string, _ Options) (*Project, error) {
	f.creates.Add(1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Project{ID: "r1", Status: StatusPending}, nil
}

func (f *fakeService) GetProject(_ context.Context, id string) (*Project, error) {
	n := f.gets.Add(1)
	if f.getErr != nil {
		return nil, f.getErr
	}
	if n < f.readyAfter {
		return &Project{ID: id, Status: StatusActive}, nil
	}
	p := f.final
	p.ID = id
	return &p, nil
}

type memoryStore struct {
	mu   sync.Mutex
	docs []Document
	err  error
}

func (m *memoryStore) StoreDocument(_ context.Context, doc Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.docs = append(m.docs, doc)
	return "doc-1", nil
}

func newIntegrator(t *testing.T, svc Capability, store KnowledgeStore) *Integrator {
	t.Helper()
	i, err := NewIntegrator(svc, store, Config{PollInterval: time.Millisecond, MaxPolls: 10})
	require.NoError(t, err)
	t.Cleanup(i.Close)
	return i
}

func TestResearchWithoutServiceFallsBack(t *testing.T) {
	i := newIntegrator(t, nil, nil)
	assert.False(t, i.Available())

	rc := i.ResearchIssue(context.Background(), Issue{Title: "Weather plugin", Description: "Fetch forecasts"})
	require.NotEmpty(t, rc.Findings)
	assert.Equal(t, StaticAnalysisSource, rc.Source)
	assert.True(t, rc.Fallback)
	for _, f := range rc.Findings {
		assert.Equal(t, StaticAnalysisSource, f.Source)
	}
}

func TestResearchCreateErrorFallsBack(t *testing.T) {
	svc := &fakeService{createErr: errors.New("connection refused")}
	i := newIntegrator(t, svc, nil)

	var rc *Context
	assert.NotPanics(t, func() {
		rc = i.ResearchIssue(context.Background(), Issue{Title: "Fix SQL injection in search"})
	})
	assert.Equal(t, StaticAnalysisSource, rc.Source)
	assert.Equal(t, ImpactHigh, rc.Risk.SecurityImpact)
	assert.NotEmpty(t, rc.Findings)
}

func TestResearchPollsUntilComplete(t *testing.T) {
	svc := &fakeService{
		readyAfter: 3,
		final: Project{
			Status: StatusCompleted,
			Findings: []Finding{
				{Content: "Use the official SDK", Category: "implementation"},
				{Content: "Rate limits apply", Source: "docs.example.com"},
			},
			Sources: []SourceRef{{Title: "Docs", URL: "https://docs.example.com"}},
			Report:  "full report",
		},
	}
	store := &memoryStore{}
	i := newIntegrator(t, svc, store)

	rc := i.ResearchIssue(context.Background(), Issue{Title: "Slack plugin", Keywords: []string{"slack"}, ProjectID: "p1"})
	assert.Equal(t, ServiceSource, rc.Source)
	assert.False(t, rc.Fallback)
	require.Len(t, rc.Findings, 2)
	assert.Equal(t, ServiceSource, rc.Findings[0].Source)
	assert.Equal(t, "docs.example.com", rc.Findings[1].Source)
	assert.Equal(t, []string{"Use the official SDK"}, rc.Guidance)
	assert.Equal(t, int32(3), svc.gets.Load())

	require.Len(t, store.docs, 1)
	assert.Equal(t, "p1", store.docs[0].ProjectID)
	assert.Contains(t, store.docs[0].Content, "Use the official SDK")
}

func TestResearchFailedProjectFallsBack(t *testing.T) {
	svc := &fakeService{final: Project{Status: StatusFailed, Error: "quota"}}
	rc := newIntegrator(t, svc, nil).ResearchIssue(context.Background(), Issue{Title: "x"})
	assert.True(t, rc.Fallback)
}

func TestResearchEmptyFindingsFallsBack(t *testing.T) {
	svc := &fakeService{final: Project{Status: StatusCompleted}}
	rc := newIntegrator(t, svc, nil).ResearchIssue(context.Background(), Issue{Title: "x"})
	assert.True(t, rc.Fallback)
	assert.NotEmpty(t, rc.Findings)
}

func TestResearchPollBudgetFallsBack(t *testing.T) {
	svc := &fakeService{readyAfter: 1000, final: Project{Status: StatusCompleted}}
	rc := newIntegrator(t, svc, nil).ResearchIssue(context.Background(), Issue{Title: "x"})
	assert.True(t, rc.Fallback)
	assert.Equal(t, int32(10), svc.gets.Load())
}

func TestResearchCancelledContextFallsBack(t *testing.T) {
	svc := &fakeService{readyAfter: 1000}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc := newIntegrator(t, svc, nil).ResearchIssue(ctx, Issue{Title: "x"})
	assert.True(t, rc.Fallback)
}

func TestResearchCachesResults(t *testing.T) {
	svc := &fakeService{final: Project{Status: StatusCompleted, Findings: []Finding{{Content: "cached"}}}}
	i := newIntegrator(t, svc, nil)

	first := i.ResearchIssue(context.Background(), Issue{Title: "Cache me"})
	first.Findings[0].Content = "mutated"
	second := i.ResearchIssue(context.Background(), Issue{Title: "cache   ME"})

	assert.Equal(t, int32(1), svc.creates.Load())
	assert.Equal(t, "cached", second.Findings[0].Content)
}

func TestKnowledgeStoreFailureIsNotFatal(t *testing.T) {
	svc := &fakeService{final: Project{Status: StatusCompleted, Findings: []Finding{{Content: "ok"}}}}
	rc := newIntegrator(t, svc, &memoryStore{err: errors.New("disk full")}).ResearchIssue(context.Background(), Issue{Title: "x"})
	assert.Equal(t, ServiceSource, rc.Source)
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(errors.Join(errors.New("x"), ErrResearchUnavailable)))
	assert.False(t, IsUnavailable(errors.New("x")))
}

// Package billing reports resource consumption to the external billing system.
// Credit sufficiency is enforced there, not here.
package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// UsageRecord is the consumption of one sub-agent task or LLM call.
type UsageRecord struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	UserID           string    `json:"userId"`
	AgentID          string    `json:"agentId,omitempty"`
	Role             string    `json:"role,omitempty"`
	ContainerSeconds float64   `json:"containerSeconds"`
	CPUSeconds       float64   `json:"cpuSeconds"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	CostUSD          float64   `json:"costUsd"`
	StartedAt        time.Time `json:"startedAt"`
	EndedAt          time.Time `json:"endedAt"`
}

// Reporter receives usage records.
type Reporter interface {
	ReportUsage(ctx context.Context, rec UsageRecord) error
}

// Totals aggregates a project's usage.
type Totals struct {
	ProjectID        string  `json:"projectId"`
	Records          int     `json:"records"`
	ContainerSeconds float64 `json:"containerSeconds"`
	CPUSeconds       float64 `json:"cpuSeconds"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// Ledger keeps usage in memory, per project. It is the default Reporter and
// backs the status command's usage summary.
type Ledger struct {
	records map[string][]UsageRecord
	mu      sync.RWMutex
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string][]UsageRecord)}
}

// ReportUsage appends rec.
func (l *Ledger) ReportUsage(_ context.Context, rec UsageRecord) error {
	if rec.ProjectID == "" {
		return errors.New("usage record has no project id")
	}
	l.mu.Lock()
	l.records[rec.ProjectID] = append(l.records[rec.ProjectID], rec)
	l.mu.Unlock()
	return nil
}

// Records returns a project's records in start order.
func (l *Ledger) Records(projectID string) []UsageRecord {
	l.mu.RLock()
	out := append([]UsageRecord(nil), l.records[projectID]...)
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Totals sums a project's records.
func (l *Ledger) Totals(projectID string) Totals {
	t := Totals{ProjectID: projectID}
	for _, r := range l.Records(projectID) {
		t.Records++
		t.ContainerSeconds += r.ContainerSeconds
		t.CPUSeconds += r.CPUSeconds
		t.PromptTokens += r.PromptTokens
		t.CompletionTokens += r.CompletionTokens
		t.CostUSD += r.CostUSD
	}
	return t
}

// MultiReporter fans a record out to several reporters. Every reporter is
// tried; the errors are joined.
type MultiReporter []Reporter

// ReportUsage implements Reporter.
func (m MultiReporter) ReportUsage(ctx context.Context, rec UsageRecord) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.ReportUsage(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package project holds the PluginProject aggregate and its phase state machine.
package project

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/diagnose"
)

// DefaultMaxIterations bounds the healing loop when no budget is configured.
const DefaultMaxIterations = 5

// Development modes.
const (
	ModeMVP  = "mvp"
	ModeFull = "full"
)

// Feedback is user guidance queued for the next healing iteration.
type Feedback struct {
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
	Consumed bool      `json:"consumed"`
}

// Transition records one status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// PluginProject tracks one autonomous build-and-heal workflow.
type PluginProject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UserID      string `json:"userId"`

	Status           Status `json:"status"`
	Mode             string `json:"mode,omitempty"`
	Phase            int    `json:"phase"`
	TotalPhases      int    `json:"totalPhases"`
	CurrentIteration int    `json:"currentIteration"`
	MaxIterations    int    `json:"maxIterations"`

	LocalPath       string   `json:"localPath,omitempty"`
	MVPPlan         string   `json:"mvpPlan,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	RequiredSecrets []string `json:"requiredSecrets,omitempty"`

	ErrorAnalysis map[string]*diagnose.ErrorAnalysis `json:"errorAnalysis"`
	Error         string                             `json:"error,omitempty"`

	// ResumeStatus is the status to return to when leaving awaiting_secrets.
	ResumeStatus Status `json:"resumeStatus,omitempty"`

	Feedback []Feedback   `json:"feedback,omitempty"`
	History  []Transition `json:"history,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New allocates a pending project with an empty error map.
func New(name, description, userID string, maxIterations int) *PluginProject {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	now := time.Now().UTC()
	return &PluginProject{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   description,
		UserID:        userID,
		Status:        StatusPending,
		TotalPhases:   TotalPhasesFor(ModeMVP),
		MaxIterations: maxIterations,
		ErrorAnalysis: make(map[string]*diagnose.ErrorAnalysis),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TotalPhasesFor returns the phase count for a development mode:
// discovery, development, healing, plus publishing in full mode.
func TotalPhasesFor(mode string) int {
	if mode == ModeFull {
		return 4
	}
	return 3
}

// IsTerminal reports whether the project reached completed, failed or cancelled.
func (p *PluginProject) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// TransitionTo moves the project to status to, recording history.
// Entering awaiting_secrets remembers the current status for Resume.
func (p *PluginProject) TransitionTo(to Status, reason string) error {
	from := p.Status
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	if to == StatusAwaitingSecrets {
		p.ResumeStatus = from
	}
	if from == StatusAwaitingSecrets && !to.IsTerminal() {
		if to != p.ResumeStatus {
			return fmt.Errorf("%w: awaiting_secrets resumes to %s, not %s", ErrInvalidTransition, p.ResumeStatus, to)
		}
		p.ResumeStatus = ""
	}

	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	p.History = append(p.History, Transition{From: from, To: to, At: now, Reason: reason})
	if to.IsTerminal() {
		p.CompletedAt = &now
	}
	return nil
}

// Fail moves the project to failed with msg as its user-facing error.
func (p *PluginProject) Fail(msg string) error {
	if err := p.TransitionTo(StatusFailed, msg); err != nil {
		return err
	}
	p.Error = msg
	return nil
}

// AdvancePhase increments the progress counter, capped at TotalPhases.
func (p *PluginProject) AdvancePhase() {
	if p.Phase < p.TotalPhases {
		p.Phase++
	}
	p.UpdatedAt = time.Now().UTC()
}

// AddFeedback queues text for the next healing iteration.
func (p *PluginProject) AddFeedback(text string) {
	p.Feedback = append(p.Feedback, Feedback{Text: text, At: time.Now().UTC()})
	p.UpdatedAt = time.Now().UTC()
}

// DrainFeedback returns unconsumed feedback and marks it consumed.
func (p *PluginProject) DrainFeedback() []string {
	var out []string
	for i := range p.Feedback {
		if p.Feedback[i].Consumed {
			continue
		}
		out = append(out, p.Feedback[i].Text)
		p.Feedback[i].Consumed = true
	}
	return out
}

// Unresolved returns unresolved error records ordered by file then line.
func (p *PluginProject) Unresolved() []*diagnose.ErrorAnalysis {
	out := make([]*diagnose.ErrorAnalysis, 0, len(p.ErrorAnalysis))
	for _, ea := range p.ErrorAnalysis {
		if !ea.Resolved {
			out = append(out, ea)
		}
	}
	diagnose.SortByLocation(out)
	return out
}

// UnresolvedSummary describes outstanding errors: the count plus up to
// sample records.
func (p *PluginProject) UnresolvedSummary(sample int) string {
	unresolved := p.Unresolved()
	if len(unresolved) == 0 {
		return "no unresolved errors"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved error(s)", len(unresolved))
	for i, ea := range unresolved {
		if i >= sample {
			fmt.Fprintf(&b, "; and %d more", len(unresolved)-sample)
			break
		}
		fmt.Fprintf(&b, "; %s:%d %s", ea.File, ea.Line, ea.Message)
	}
	return b.String()
}

// Clone returns a deep copy safe to hand to callers.
func (p *PluginProject) Clone() *PluginProject {
	if p == nil {
		return nil
	}
	c := *p
	c.Keywords = append([]string(nil), p.Keywords...)
	c.RequiredSecrets = append([]string(nil), p.RequiredSecrets...)
	c.Feedback = append([]Feedback(nil), p.Feedback...)
	c.History = append([]Transition(nil), p.History...)
	c.ErrorAnalysis = make(map[string]*diagnose.ErrorAnalysis, len(p.ErrorAnalysis))
	for k, v := range p.ErrorAnalysis {
		ea := *v
		c.ErrorAnalysis[k] = &ea
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SortByCreated orders projects oldest first, breaking ties by id.
func SortByCreated(projects []*PluginProject) {
	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].CreatedAt.Before(projects[j].CreatedAt)
		}
		return projects[i].ID < projects[j].ID
	})
}

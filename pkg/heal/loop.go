// Package heal drives a project's diagnosed errors to resolution: patch each
// unresolved error, re-verify, reconcile, and repeat within the project's
// iteration budget.
package heal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autocoder/pkg/codegen"
	"autocoder/pkg/diagnose"
	"autocoder/pkg/events"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/project"
	"autocoder/pkg/workspace"
)

// ErrStopped is returned when the project was cancelled or the context
// ended while healing.
var ErrStopped = errors.New("healing stopped")

const (
	defaultContextRadius = 8
	summarySample        = 3
)

// Outcome is how a Run ended.
type Outcome string

const (
	OutcomeResolved    Outcome = "resolved"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeToolFailure Outcome = "tool_failure"
	OutcomeStopped     Outcome = "stopped"
)

// Result summarises a Run.
type Result struct {
	Outcome    Outcome
	Iterations int // iterations performed by this Run
	Unresolved int
	Err        error
}

// ProjectState is the loop's access to the project it heals. The owner
// serialises access; Update must refuse to mutate a terminal project and
// return an error instead.
type ProjectState interface {
	Snapshot() *project.PluginProject
	Update(ctx context.Context, fn func(p *project.PluginProject) error) error
}

// Loop is the code healing loop.
type Loop struct {
	generator     codegen.Generator
	recorder      metrics.Recorder
	sink          events.Sink
	logger        *logx.Logger
	contextRadius int
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithRecorder records iteration and fix-attempt metrics.
func WithRecorder(r metrics.Recorder) LoopOption {
	return func(l *Loop) { l.recorder = r }
}

// WithEventSink emits one event per iteration.
func WithEventSink(s events.Sink) LoopOption {
	return func(l *Loop) { l.sink = s }
}

// WithContextRadius sets how many lines around an error are sent with a
// patch request.
func WithContextRadius(n int) LoopOption {
	return func(l *Loop) { l.contextRadius = n }
}

// NewLoop creates a loop that requests patches from generator.
func NewLoop(generator codegen.Generator, opts ...LoopOption) *Loop {
	l := &Loop{
		generator:     generator,
		recorder:      metrics.Nop(),
		sink:          events.Discard{},
		logger:        logx.NewLogger("heal"),
		contextRadius: defaultContextRadius,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run verifies the workspace once to establish the current error set, then
// iterates until no unresolved errors remain, the iteration budget is spent,
// or a tool cannot run. Exhaustion and tool failures move the project to
// failed. Success leaves the status unchanged for the caller to advance.
func (l *Loop) Run(ctx context.Context, state ProjectState, ws *workspace.Workspace, verifier Verifier) Result {
	projectID := state.Snapshot().ID
	performed := 0

	if res, done := l.verify(ctx, state, verifier, performed); done {
		return res
	}

	for {
		snap := state.Snapshot()
		if snap.IsTerminal() {
			return l.stopped(projectID, performed, errors.New("project is "+snap.Status.String()))
		}
		unresolved := snap.Unresolved()
		if len(unresolved) == 0 {
			l.logger.Info("Project %s healed after %d iteration(s)", projectID, snap.CurrentIteration)
			return Result{Outcome: OutcomeResolved, Iterations: performed}
		}
		if snap.CurrentIteration >= snap.MaxIterations {
			return l.exhaust(ctx, state, performed)
		}

		var feedback []string
		err := state.Update(ctx, func(p *project.PluginProject) error {
			p.CurrentIteration++
			feedback = p.DrainFeedback()
			return nil
		})
		if err != nil {
			return l.stopped(projectID, performed, err)
		}
		performed++
		iteration := snap.CurrentIteration + 1
		l.recorder.IncHealIteration(projectID)
		l.emitIteration(ctx, projectID, iteration, len(unresolved))
		l.logger.Info("Project %s iteration %d/%d: %d unresolved error(s)", projectID, iteration, snap.MaxIterations, len(unresolved))

		touched, err := l.patchAll(ctx, state, ws, projectID, unresolved, feedback)
		if countErr := l.countAttempts(ctx, state, touched); countErr != nil && err == nil {
			err = countErr
		}
		if err != nil {
			return l.stopped(projectID, performed, err)
		}

		if res, done := l.verify(ctx, state, verifier, performed); done {
			return res
		}
	}
}

// patchAll requests and applies a patch per error in order. Generation and
// write failures are logged and the error still counts as touched.
func (l *Loop) patchAll(ctx context.Context, state ProjectState, ws *workspace.Workspace, projectID string,
	unresolved []*diagnose.ErrorAnalysis, feedback []string,
) ([]*diagnose.ErrorAnalysis, error) {
	touched := make([]*diagnose.ErrorAnalysis, 0, len(unresolved))
	for _, ea := range unresolved {
		if err := ctx.Err(); err != nil {
			return touched, err
		}
		if state.Snapshot().IsTerminal() {
			return touched, ErrStopped
		}
		touched = append(touched, ea)

		if ea.File == "" || !ws.Exists(ea.File) {
			l.logger.Warn("Cannot patch %s: no workspace file to target", ea.Key())
			continue
		}
		content, err := ws.ReadFile(ea.File)
		if err != nil {
			l.logger.Warn("Cannot read %s: %v", ea.File, err)
			continue
		}

		patch, err := l.generator.GeneratePatch(ctx, codegen.PatchRequest{
			ProjectID: projectID,
			File:      ea.File,
			Content:   content,
			Error:     ea,
			Context:   workspace.ContextLines(content, ea.Line, l.contextRadius),
			Feedback:  feedback,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return touched, ctxErr
			}
			l.logger.Warn("Patch generation failed for %s: %v", ea.Key(), err)
			continue
		}

		target := patch.File
		if target == "" {
			target = ea.File
		}
		if err := ws.WriteFile(target, patch.Content); err != nil {
			l.logger.Warn("Failed to apply patch for %s: %v", ea.Key(), err)
			continue
		}
		logx.Debug(ctx, "heal", "Applied patch to %s for %s", target, ea.Key())
	}
	return touched, nil
}

// countAttempts increments fixAttempts on every touched record before the
// workspace is re-verified.
func (l *Loop) countAttempts(ctx context.Context, state ProjectState, touched []*diagnose.ErrorAnalysis) error {
	if len(touched) == 0 {
		return nil
	}
	byType := make(map[diagnose.ErrorType]int)
	err := state.Update(ctx, func(p *project.PluginProject) error {
		for _, t := range touched {
			ea, ok := p.ErrorAnalysis[t.Key()]
			if !ok || ea.Resolved || ea.FixAttempts >= p.MaxIterations {
				continue
			}
			ea.FixAttempts++
			byType[ea.Type]++
		}
		return nil
	})
	for typ, n := range byType {
		l.recorder.AddFixAttempts(string(typ), n)
	}
	return err
}

// verify runs the verifier and reconciles the project's error map with the
// report. done is true when Run must return res.
func (l *Loop) verify(ctx context.Context, state ProjectState, verifier Verifier, performed int) (res Result, done bool) {
	projectID := state.Snapshot().ID
	start := time.Now()
	report, err := verifier.Verify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return l.stopped(projectID, performed, err), true
		}
		if !IsToolFailure(err) {
			// Any other verifier error also means the tools did not run.
			err = fmt.Errorf("%w: %w", project.ErrToolFailure, err)
		}
		l.logger.Error("Verification could not run for %s: %v", projectID, err)
		if failErr := state.Update(ctx, func(p *project.PluginProject) error {
			return p.Fail(err.Error())
		}); failErr != nil {
			return l.stopped(projectID, performed, failErr), true
		}
		return Result{Outcome: OutcomeToolFailure, Iterations: performed, Err: err}, true
	}

	var unresolved int
	updateErr := state.Update(ctx, func(p *project.PluginProject) error {
		reconcile(p, report)
		unresolved = len(p.Unresolved())
		return nil
	})
	if updateErr != nil {
		return l.stopped(projectID, performed, updateErr), true
	}
	logx.Debug(ctx, "heal", "Verification of %s took %v: %d error(s) reported, %d unresolved",
		projectID, time.Since(start).Round(time.Millisecond), len(report.Errors), unresolved)
	return Result{}, false
}

// reconcile applies a verification report: records absent from it are
// resolved, new ones are added with no attempts, and reappearing ones are
// reopened.
func reconcile(p *project.PluginProject, report *Report) {
	current := report.Keys()
	for key, ea := range p.ErrorAnalysis {
		if _, present := current[key]; !present {
			ea.Resolved = true
		}
	}
	for key, found := range current {
		if ea, exists := p.ErrorAnalysis[key]; exists {
			ea.Resolved = false
			ea.Message = found.Message
			if found.Suggestion != "" {
				ea.Suggestion = found.Suggestion
			}
			continue
		}
		rec := *found
		rec.FixAttempts = 0
		rec.Resolved = false
		p.ErrorAnalysis[key] = &rec
	}
}

func (l *Loop) exhaust(ctx context.Context, state ProjectState, performed int) Result {
	var summary string
	var unresolved int
	err := state.Update(ctx, func(p *project.PluginProject) error {
		unresolved = len(p.Unresolved())
		summary = p.UnresolvedSummary(summarySample)
		return p.Fail(fmt.Sprintf("%v: %s", project.ErrUnresolvedErrors, summary))
	})
	if err != nil {
		return l.stopped(state.Snapshot().ID, performed, err)
	}
	l.logger.Warn("Project %s exhausted its healing budget: %s", state.Snapshot().ID, summary)
	return Result{
		Outcome:    OutcomeExhausted,
		Iterations: performed,
		Unresolved: unresolved,
		Err:        fmt.Errorf("%w: %s", project.ErrUnresolvedErrors, summary),
	}
}

func (l *Loop) stopped(projectID string, performed int, cause error) Result {
	l.logger.Info("Healing of %s stopped: %v", projectID, cause)
	if errors.Is(cause, ErrStopped) {
		return Result{Outcome: OutcomeStopped, Iterations: performed, Err: cause}
	}
	return Result{Outcome: OutcomeStopped, Iterations: performed, Err: fmt.Errorf("%w: %w", ErrStopped, cause)}
}

func (l *Loop) emitIteration(ctx context.Context, projectID string, iteration, unresolved int) {
	e := events.New(events.TypeHealIteration, projectID, fmt.Sprintf("%d unresolved error(s)", unresolved))
	e.Iteration = iteration
	if err := l.sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Warn("Failed to emit heal iteration event: %v", err)
	}
}

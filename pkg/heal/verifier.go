package heal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/diagnose"
	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
	"autocoder/pkg/project"
	"autocoder/pkg/workspace"
)

// ToolRun is one verification command's outcome.
type ToolRun struct {
	Tool     string
	ExitCode int
	Duration time.Duration
	Findings int
}

// Report is the result of one verification pass.
type Report struct {
	Errors []*diagnose.ErrorAnalysis
	Runs   []ToolRun
}

// Keys returns the error keys present in the report.
func (r *Report) Keys() map[string]*diagnose.ErrorAnalysis {
	out := make(map[string]*diagnose.ErrorAnalysis, len(r.Errors))
	for _, ea := range r.Errors {
		out[ea.Key()] = ea
	}
	return out
}

// Verifier runs the verification tools against a project workspace. An
// error wrapping project.ErrToolFailure means a tool could not run at all;
// failing checks are reported in Report.Errors.
type Verifier interface {
	Verify(ctx context.Context) (*Report, error)
}

// Executor runs a command on behalf of a sub-agent.
type Executor interface {
	Execute(ctx context.Context, agentID string, cmd []string, env map[string]string) (exec.Result, error)
}

// verifyTools is the order checks run in.
//
//nolint:gochecknoglobals // static ordering
var verifyTools = []string{diagnose.ToolTypeScript, diagnose.ToolESLint, diagnose.ToolTest}

const outputTailLines = 20

// ContainerVerifier runs verification commands in a sub-agent's container.
// Dependencies are installed on the first pass.
type ContainerVerifier struct {
	executor  Executor
	agentID   string
	commands  config.VerifyConfig
	env       map[string]string
	logger    *logx.Logger
	installed bool
}

// NewContainerVerifier creates a verifier that runs commands as agentID.
func NewContainerVerifier(executor Executor, agentID string, commands config.VerifyConfig) *ContainerVerifier {
	return &ContainerVerifier{
		executor: executor,
		agentID:  agentID,
		commands: commands,
		env:      map[string]string{"CI": "1", "NO_COLOR": "1", "FORCE_COLOR": "0"},
		logger:   logx.NewLogger("verify"),
	}
}

// Verify installs dependencies if needed, then runs each configured tool
// and classifies its output.
func (v *ContainerVerifier) Verify(ctx context.Context) (*Report, error) {
	report := &Report{}

	if !v.installed && len(v.commands.Install) > 0 {
		res, err := v.run(ctx, "install", v.commands.Install)
		if err != nil {
			return report, err
		}
		report.Runs = append(report.Runs, ToolRun{Tool: "install", ExitCode: res.ExitCode, Duration: res.Duration})
		if res.ExitCode != 0 {
			return report, fmt.Errorf("%w: dependency install exited %d: %s", project.ErrToolFailure, res.ExitCode, tail(res.Combined(), 5))
		}
		v.installed = true
	}

	for _, tool := range verifyTools {
		cmd := v.commands.CommandFor(tool)
		if len(cmd) == 0 {
			continue
		}
		res, err := v.run(ctx, tool, cmd)
		if err != nil {
			return report, err
		}

		var findings []*diagnose.ErrorAnalysis
		if res.ExitCode != 0 {
			findings = classify(tool, &res)
		}
		for _, ea := range findings {
			ea.File = workspace.Rel(ea.File)
		}
		report.Errors = append(report.Errors, findings...)
		report.Runs = append(report.Runs, ToolRun{Tool: tool, ExitCode: res.ExitCode, Duration: res.Duration, Findings: len(findings)})
		v.logger.Debug("%s exited %d with %d finding(s) in %v", tool, res.ExitCode, len(findings), res.Duration.Round(time.Millisecond))
	}

	diagnose.SortByLocation(report.Errors)
	return report, nil
}

// run executes one command and maps "could not run" outcomes to
// project.ErrToolFailure. A non-zero exit from a working tool is returned as
// a normal result.
func (v *ContainerVerifier) run(ctx context.Context, tool string, cmd []string) (exec.Result, error) {
	res, err := v.executor.Execute(ctx, v.agentID, cmd, v.env)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("%w: %s could not run: %w", project.ErrToolFailure, tool, err)
	}
	if res.OOMKilled {
		return res, fmt.Errorf("%w: %s ran out of memory (exit %d)", project.ErrToolFailure, tool, res.ExitCode)
	}
	switch res.ExitCode {
	case exec.ExitCodeNotFound, exec.ExitCodeCannotInvoke:
		return res, fmt.Errorf("%w: %s is not runnable (exit %d): %s", project.ErrToolFailure, tool, res.ExitCode, tail(res.Combined(), 3))
	case exec.ExitCodeKilled:
		return res, fmt.Errorf("%w: %s was killed (exit %d, likely out of memory)", project.ErrToolFailure, tool, res.ExitCode)
	}
	return res, nil
}

// classify parses tool output. A failing tool whose output cannot be parsed
// still yields one record, so "cannot determine" is never read as success.
func classify(tool string, res *exec.Result) []*diagnose.ErrorAnalysis {
	findings := diagnose.Classify(tool, res.Combined())
	if len(findings) > 0 {
		return findings
	}
	return []*diagnose.ErrorAnalysis{{
		Type:       errorTypeFor(tool),
		Code:       fmt.Sprintf("%s-exit-%d", tool, res.ExitCode),
		Message:    tail(res.Combined(), outputTailLines),
		Suggestion: "the tool failed without reporting a location; inspect its output",
	}}
}

func errorTypeFor(tool string) diagnose.ErrorType {
	switch tool {
	case diagnose.ToolTypeScript:
		return diagnose.TypeTypeScript
	case diagnose.ToolESLint:
		return diagnose.TypeESLint
	case diagnose.ToolTest:
		return diagnose.TypeTest
	}
	return diagnose.TypeOther
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// IsToolFailure reports whether err means verification could not run.
func IsToolFailure(err error) bool {
	return errors.Is(err, project.ErrToolFailure)
}

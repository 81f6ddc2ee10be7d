// Package diagnose turns raw compiler, linter and test-runner output into
// structured ErrorAnalysis records.
package diagnose

import (
	"fmt"
	"sort"
)

// ErrorType is the family of tool that reported an error.
type ErrorType string

const (
	TypeTypeScript ErrorType = "typescript"
	TypeESLint     ErrorType = "eslint"
	TypeTest       ErrorType = "test"
	TypeOther      ErrorType = "other"
)

// Tool names accepted by Classify. They match the verification command names.
const (
	ToolTypeScript = "typescript"
	ToolESLint     = "eslint"
	ToolTest       = "test"
	ToolOther      = "other"
)

// ErrorAnalysis is one diagnosed failure and its healing state.
type ErrorAnalysis struct {
	Type        ErrorType `json:"errorType"`
	File        string    `json:"file"`
	Line        int       `json:"line"`
	Column      int       `json:"column,omitempty"`
	Code        string    `json:"code"` // TS code, ESLint rule or failing test name
	Message     string    `json:"message"`
	Suggestion  string    `json:"suggestion"`
	FixAttempts int       `json:"fixAttempts"`
	Resolved    bool      `json:"resolved"`
}

// Key is the stable identity used to match a record across verification passes.
func (e *ErrorAnalysis) Key() string {
	return fmt.Sprintf("%s:%d:%s", e.File, e.Line, e.Code)
}

func (e *ErrorAnalysis) String() string {
	return fmt.Sprintf("%s %s:%d %s: %s", e.Type, e.File, e.Line, e.Code, e.Message)
}

// SortByLocation orders records by file then line, then key for ties.
func SortByLocation(records []*ErrorAnalysis) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Key() < b.Key()
	})
}

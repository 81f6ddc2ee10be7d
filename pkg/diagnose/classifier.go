package diagnose

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

	// file.ts:3:29 - error TS7006: message
	tsPrettyPattern = regexp.MustCompile(`^(.+?):(\d+):(\d+) - error (TS\d+): (.+)$`)
	// file.ts(3,29): error TS7006: message
	tsParenPattern = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): error (TS\d+): (.+)$`)

	// "  3:10  error  message  rule-name" under a file header line.
	eslintRulePattern = regexp.MustCompile(`^\s+(\d+):(\d+)\s+error\s+(.+?)\s{2,}(\S+)\s*$`)
	// "  1:1  error  Parsing error: Unexpected token" has no rule column.
	eslintBarePattern = regexp.MustCompile(`^\s+(\d+):(\d+)\s+error\s+(.+?)\s*$`)
	// unix formatter: file:3:10: message [Error/rule]
	eslintUnixPattern = regexp.MustCompile(`^(.+?):(\d+):(\d+): (.+?) \[Error/(\S+)\]$`)

	jestFailPattern   = regexp.MustCompile(`^\s*FAIL\s+(\S+)\s*$`)
	jestBulletPattern = regexp.MustCompile(`^\s*●\s+(.+?)\s*$`)
	vitestFailPattern = regexp.MustCompile(`^\s*FAIL\s+(\S+)\s+>\s+(.+?)\s*$`)
	crossPattern      = regexp.MustCompile(`^\s*[✕×]\s+(.+?)(?:\s+\(\d+\s*m?s\))?\s*$`)
	stackPattern      = regexp.MustCompile(`^\s*at .*?\(?([^\s()]+):(\d+):(\d+)\)?\s*$`)

	// compiler-style file:line:col: message
	genericPattern = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(?:error:?\s*)?(.+)$`)
)

// Classify parses rawOutput produced by tool into ErrorAnalysis records.
//
// Records are returned in order of first appearance with duplicate keys
// dropped, so identical input always yields an identical list. Output that
// cannot be parsed yields an empty list. Callers must read that as "cannot
// determine", not "no problems".
func Classify(tool, rawOutput string) []*ErrorAnalysis {
	if strings.TrimSpace(rawOutput) == "" {
		return nil
	}
	lines := strings.Split(ansiPattern.ReplaceAllString(rawOutput, ""), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}

	var records []*ErrorAnalysis
	switch tool {
	case ToolTypeScript:
		records = parseTypeScript(lines)
	case ToolESLint:
		records = parseESLint(lines)
	case ToolTest:
		records = parseTests(lines)
	default:
		records = parseGeneric(lines)
	}
	return dedupe(records)
}

func dedupe(records []*ErrorAnalysis) []*ErrorAnalysis {
	if len(records) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(records))
	out := make([]*ErrorAnalysis, 0, len(records))
	for _, r := range records {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseTypeScript(lines []string) []*ErrorAnalysis {
	var out []*ErrorAnalysis
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		m := tsPrettyPattern.FindStringSubmatch(trimmed)
		if m == nil {
			m = tsParenPattern.FindStringSubmatch(trimmed)
		}
		if m == nil {
			continue
		}
		out = append(out, &ErrorAnalysis{
			Type:       TypeTypeScript,
			File:       m[1],
			Line:       atoi(m[2]),
			Column:     atoi(m[3]),
			Code:       m[4],
			Message:    m[5],
			Suggestion: typeScriptSuggestion(m[4]),
		})
	}
	return out
}

func parseESLint(lines []string) []*ErrorAnalysis {
	var out []*ErrorAnalysis
	currentFile := ""
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := eslintUnixPattern.FindStringSubmatch(line); m != nil {
			out = append(out, &ErrorAnalysis{
				Type: TypeESLint, File: m[1], Line: atoi(m[2]), Column: atoi(m[3]),
				Code: m[5], Message: m[4], Suggestion: eslintSuggestion(m[5]),
			})
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			if strings.HasPrefix(line, "✖") {
				currentFile = ""
				continue
			}
			currentFile = strings.TrimSpace(line)
			continue
		}
		if currentFile == "" {
			continue
		}
		if m := eslintRulePattern.FindStringSubmatch(line); m != nil {
			out = append(out, &ErrorAnalysis{
				Type: TypeESLint, File: currentFile, Line: atoi(m[1]), Column: atoi(m[2]),
				Code: m[4], Message: m[3], Suggestion: eslintSuggestion(m[4]),
			})
			continue
		}
		if m := eslintBarePattern.FindStringSubmatch(line); m != nil {
			out = append(out, &ErrorAnalysis{
				Type: TypeESLint, File: currentFile, Line: atoi(m[1]), Column: atoi(m[2]),
				Code: "parsing", Message: m[3], Suggestion: eslintSuggestion("parsing"),
			})
		}
	}
	return out
}

// testFailure accumulates one failing test block.
type testFailure struct {
	record  *ErrorAnalysis
	details []string
}

func (f *testFailure) finish() *ErrorAnalysis {
	r := f.record
	r.Message = summarizeAssertion(f.details)
	r.Suggestion = testSuggestion(r.Code, r.Message)
	return r
}

func parseTests(lines []string) []*ErrorAnalysis {
	var (
		out         []*ErrorAnalysis
		current     *testFailure
		currentFile string
		crossed     []*ErrorAnalysis
	)
	flush := func() {
		if current != nil {
			out = append(out, current.finish())
			current = nil
		}
	}

	for _, line := range lines {
		if m := vitestFailPattern.FindStringSubmatch(line); m != nil {
			flush()
			currentFile = m[1]
			current = &testFailure{record: &ErrorAnalysis{Type: TypeTest, File: m[1], Code: m[2]}}
			continue
		}
		if m := jestFailPattern.FindStringSubmatch(line); m != nil {
			flush()
			currentFile = m[1]
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "PASS ") {
			flush()
			currentFile = ""
			continue
		}
		if m := jestBulletPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &testFailure{record: &ErrorAnalysis{Type: TypeTest, File: currentFile, Code: m[1]}}
			continue
		}
		if m := crossPattern.FindStringSubmatch(line); m != nil {
			crossed = append(crossed, &ErrorAnalysis{
				Type: TypeTest, File: currentFile, Code: m[1],
				Message: "test failed", Suggestion: testSuggestion(m[1], ""),
			})
			continue
		}
		if current == nil {
			continue
		}
		if m := stackPattern.FindStringSubmatch(line); m != nil {
			if current.record.Line == 0 && !strings.Contains(m[1], "node_modules") {
				if current.record.File == "" || strings.HasSuffix(m[1], current.record.File) || strings.HasSuffix(current.record.File, m[1]) {
					current.record.Line = atoi(m[2])
					if current.record.File == "" {
						current.record.File = m[1]
					}
				}
			}
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			current.details = append(current.details, trimmed)
		}
	}
	flush()

	// Summary-only output (no ● blocks) still names the failing tests.
	if len(out) == 0 {
		return crossed
	}
	return out
}

// summarizeAssertion keeps the first message line plus any expected/received diff.
func summarizeAssertion(details []string) string {
	if len(details) == 0 {
		return "test failed"
	}
	parts := []string{details[0]}
	for _, d := range details[1:] {
		if strings.HasPrefix(d, "Expected") || strings.HasPrefix(d, "Received") ||
			strings.HasPrefix(d, "- Expected") || strings.HasPrefix(d, "+ Received") {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "\n")
}

func parseGeneric(lines []string) []*ErrorAnalysis {
	var out []*ErrorAnalysis
	for _, line := range lines {
		m := genericPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		out = append(out, &ErrorAnalysis{
			Type:       TypeOther,
			File:       m[1],
			Line:       atoi(m[2]),
			Column:     atoi(m[3]),
			Code:       "generic",
			Message:    m[4],
			Suggestion: "Inspect the reported location and correct the error",
		})
	}
	return out
}

package codegen

import (
	"regexp"
	"strings"
)

const fence = "```"

var fileHeaderPattern = regexp.MustCompile("^(?:#{1,6}\\s*)?(?:\\*\\*)?(?:File|Path|Filename):?\\s*(?:\\*\\*)?\\s*`?([^`*\\s]+)`?(?:\\*\\*)?\\s*$")

// ParseFiles extracts fenced code blocks that name their file, either in the
// fence info string ("```ts path=src/index.ts" or "```src/index.ts") or on
// a "File: src/index.ts" line before the fence. Blocks without a path are
// skipped. A later block for the same path replaces the earlier one.
func ParseFiles(text string) []File {
	var (
		files   []File
		index   = make(map[string]int)
		pending string
		inBlock bool
		path    string
		body    []string
	)

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if strings.HasPrefix(trimmed, fence) {
				inBlock = true
				path = pathFromInfo(strings.TrimPrefix(trimmed, fence))
				if path == "" {
					path = pending
				}
				pending = ""
				body = body[:0]
				continue
			}
			if m := fileHeaderPattern.FindStringSubmatch(trimmed); m != nil {
				pending = m[1]
			} else if trimmed != "" {
				pending = ""
			}
			continue
		}

		if trimmed == fence {
			inBlock = false
			if path == "" {
				continue
			}
			f := File{Path: cleanPath(path), Content: strings.Join(body, "\n") + "\n"}
			if i, seen := index[f.Path]; seen {
				files[i] = f
			} else {
				index[f.Path] = len(files)
				files = append(files, f)
			}
			continue
		}
		body = append(body, line)
	}
	return files
}

// ExtractCode returns the body of the first fenced block, or the trimmed
// text when it has none.
func ExtractCode(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if start < 0 {
			if strings.HasPrefix(trimmed, fence) {
				start = i + 1
			}
			continue
		}
		if trimmed == fence {
			return strings.Join(lines[start:i], "\n") + "\n"
		}
	}
	if start >= 0 {
		// Unterminated fence, usually a response cut at max tokens.
		return strings.Join(lines[start:], "\n")
	}
	return strings.TrimSpace(text)
}

// pathFromInfo reads a file path out of a fence info string.
func pathFromInfo(info string) string {
	for _, field := range strings.Fields(info) {
		for _, prefix := range []string{"path=", "file=", "filename="} {
			if v, ok := strings.CutPrefix(field, prefix); ok {
				return strings.Trim(v, `"'`)
			}
		}
		if strings.Contains(field, "/") || strings.Contains(field, ".") {
			return field
		}
	}
	return ""
}

func cleanPath(p string) string {
	p = strings.Trim(p, "`\"' ")
	return strings.TrimPrefix(p, "./")
}

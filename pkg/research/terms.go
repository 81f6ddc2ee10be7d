package research

import (
	"regexp"
	"sort"
	"strings"
)

const maxQueryTerms = 20

var termPattern = regexp.MustCompile(`[a-zA-Z0-9_-]+`)

//nolint:gochecknoglobals // static stop list
var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "are": true, "was": true, "were": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "does": true,
	"did": true, "will": true, "would": true, "should": true, "could": true,
	"may": true, "might": true, "must": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "you": true, "they": true,
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"why": true, "how": true, "into": true, "plugin": true,
}

// ExtractKeyTerms returns up to 20 search terms from text, most frequent
// first with ties broken alphabetically. Terms keep their original case;
// frequency is counted case-insensitively.
func ExtractKeyTerms(text string) []string {
	freq := make(map[string]int)
	first := make(map[string]string)
	for _, token := range termPattern.FindAllString(text, -1) {
		lower := strings.ToLower(token)
		if len(lower) < 3 || stopWords[lower] {
			continue
		}
		if _, seen := first[lower]; !seen {
			first[lower] = token
		}
		freq[lower]++
	}

	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if freq[keys[i]] != freq[keys[j]] {
			return freq[keys[i]] > freq[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > maxQueryTerms {
		keys = keys[:maxQueryTerms]
	}

	terms := make([]string, len(keys))
	for i, k := range keys {
		terms[i] = first[k]
	}
	return terms
}

// BuildQuery merges explicit keywords with the issue's key terms. Keywords
// come first, duplicates are dropped case-insensitively.
func BuildQuery(issue Issue) string {
	seen := make(map[string]bool)
	var parts []string
	add := func(term string) {
		term = strings.TrimSpace(term)
		if term == "" || seen[strings.ToLower(term)] {
			return
		}
		seen[strings.ToLower(term)] = true
		parts = append(parts, term)
	}
	for _, k := range issue.Keywords {
		add(k)
	}
	for _, t := range ExtractKeyTerms(issue.Title + " " + issue.Description) {
		add(t)
	}
	return strings.Join(parts, " ")
}

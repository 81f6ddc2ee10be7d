// Package utils holds small helpers shared across autocoder packages.
package utils

import (
	"regexp"
	"strings"
)

var unsafeIdentifierChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SanitizeIdentifier makes an identifier safe for container names and
// filesystem paths. Container names must match [a-zA-Z0-9][a-zA-Z0-9_.-]*.
func SanitizeIdentifier(id string) string {
	sanitized := unsafeIdentifierChars.ReplaceAllString(id, "-")
	sanitized = strings.TrimLeft(sanitized, "_.-")
	if sanitized == "" {
		return "x"
	}
	return sanitized
}

// Slugify lowercases name and collapses it to a dash-separated identifier,
// suitable for workspace directories and package names.
func Slugify(name string) string {
	slug := strings.ToLower(SanitizeIdentifier(strings.TrimSpace(name)))
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = strings.ReplaceAll(slug, ".", "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "plugin"
	}
	return slug
}

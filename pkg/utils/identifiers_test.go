package utils

import "testing"

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"agent ID with colon", "coder:001", "coder-001"},
		{"ID with spaces", "test agent 123", "test-agent-123"},
		{"ID with slashes", "path/to/agent", "path-to-agent"},
		{"ID with backslashes", "path\\to\\agent", "path-to-agent"},
		{"leading punctuation", "--tester", "tester"},
		{"already clean ID", "clean-agent_1.2", "clean-agent_1.2"},
		{"nothing usable", "///", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeIdentifier(tt.input); got != tt.expected {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Weather Plugin":      "weather-plugin",
		"  Stripe__Payments ": "stripe-payments",
		"v2.0 Release!":       "v2-0-release",
		"???":                 "plugin",
	}
	for input, want := range tests {
		if got := Slugify(input); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", input, got, want)
		}
	}
}

package scope

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"W1", "W1", true},
		{"W1", "W2", false},
		{"*.txt", "file.txt", true},
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file12.txt", false},
		{"a/b/c", "a/b/d", false},
		{"**/file.txt", "a/b/c/file.txt", true},
		{"a/**", "a/b/c/d", true},
		{"a/**/c", "a/c", true},
		{"a/**/c", "a/b/d", false},
		{"a/**/c/**/e", "a/b/c/d/e", true},
		{"a/**/*.txt", "a/b/c/file.txt", true},
		{"**", "", true},
		{"[", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			if got := MatchGlob(tt.pattern, tt.path); got != tt.want {
				t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		rule  string
		scope string
		want  bool
	}{
		{"", "/proj/W1", true},
		{"*", "/proj/W1", true},
		{"/proj", "/proj/W1", true},
		{"/proj", "/other/W1", false},
		{"/proj/*", "/proj/W1", true},
		{"/proj/*", "/proj/sub/W1", false},
		{"/proj/**", "/proj/sub/W1", true},
		{"Bug?", "Bugs", true},
	}
	for _, tt := range tests {
		if got := Match(tt.rule, tt.scope); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.rule, tt.scope, got, tt.want)
		}
	}
}

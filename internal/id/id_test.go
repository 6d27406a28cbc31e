package id

import (
	"sort"
	"testing"
)

func TestNewSortsInCreationOrder(t *testing.T) {
	const n = 1000

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, New())
	}

	for i, v := range ids {
		if len(v) != 26 {
			t.Fatalf("id %d has length %d, want 26: %q", i, len(v), v)
		}
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not emitted in sort order at index %d: %q vs %q", i, ids[i], sorted[i])
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := New()
		if seen[v] {
			t.Fatalf("duplicate id %q", v)
		}
		seen[v] = true
	}
}

func TestSanitizeAgentID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "researcher", "researcher"},
		{"uppercase", "MyAgent", "myagent"},
		{"path separators", "agents/data sync", "agents-data-sync"},
		{"underscores kept", "my_agent", "my_agent"},
		{"runs collapse", "a---b", "a-b"},
		{"mixed junk collapses", "a!@#b", "a-b"},
		{"trimmed", "--edge--", "edge"},
		{"unicode", "héllo", "h-llo"},
		{"empty", "", "default"},
		{"only junk", "!!!", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAgentID(tt.in); got != tt.want {
				t.Errorf("SanitizeAgentID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

package toolpolicy

import (
	"slices"
	"testing"
)

func TestResolverExpandGroups(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		contains []string // tools that should be present
		excludes []string // tools that should NOT be present
	}{
		{
			name:     "expand single group",
			input:    []string{"group:fs"},
			contains: []string{"read", "write", "edit"},
		},
		{
			name:     "expand runtime group",
			input:    []string{"group:runtime"},
			contains: []string{"exec", "bash", "sandbox"},
		},
		{
			name:     "expand multiple groups",
			input:    []string{"group:fs", "group:web"},
			contains: []string{"read", "write", "edit", "websearch", "webfetch"},
		},
		{
			name:     "pass through direct tool names",
			input:    []string{"custom_tool", "another_tool"},
			contains: []string{"custom_tool", "another_tool"},
		},
		{
			name:     "mix of groups and tools",
			input:    []string{"group:messaging", "custom_tool"},
			contains: []string{"message", "send_message", "custom_tool"},
		},
		{
			name:     "deduplicate results",
			input:    []string{"group:fs", "read", "write"},
			contains: []string{"read", "write", "edit"},
		},
		{
			name:     "empty input",
			input:    []string{},
			contains: []string{},
		},
		{
			name:     "unknown group passed through",
			input:    []string{"group:unknown"},
			contains: []string{"group:unknown"},
		},
		{
			name:     "readonly group",
			input:    []string{"group:readonly"},
			contains: []string{"read", "websearch", "memory_search", "job_status"},
			excludes: []string{"write", "edit", "exec"},
		},
	}

	resolver := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := resolver.ExpandGroups(tt.input)

			for _, expected := range tt.contains {
				if !slices.Contains(result, expected) {
					t.Errorf("expected %q to be in result %v", expected, result)
				}
			}

			for _, excluded := range tt.excludes {
				if slices.Contains(result, excluded) {
					t.Errorf("expected %q to NOT be in result %v", excluded, result)
				}
			}
		})
	}
}

func TestResolverExpandGroupsDeduplication(t *testing.T) {
	resolver := NewResolver()
	input := []string{"group:fs", "read", "group:fs"}
	result := resolver.ExpandGroups(input)

	count := 0
	for _, tool := range result {
		if tool == "read" {
			count++
		}
	}

	if count != 1 {
		t.Errorf("expected 'read' to appear exactly once, got %d times in %v", count, result)
	}
}

func TestToolProfilesHaveExpectedAllowLists(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		expectNil   bool
		expectAllow []string
	}{
		{
			name:        "coding profile",
			profile:     "coding",
			expectAllow: []string{"group:fs", "group:runtime"},
		},
		{
			name:        "messaging profile",
			profile:     "messaging",
			expectAllow: []string{"group:messaging"},
		},
		{
			name:        "readonly profile",
			profile:     "readonly",
			expectAllow: []string{"group:readonly"},
		},
		{
			name:        "full profile",
			profile:     "full",
			expectAllow: nil, // full profile has no explicit allows
		},
		{
			name:      "unknown profile",
			profile:   "nonexistent",
			expectNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, ok := ToolProfiles[tt.profile]

			if tt.expectNil {
				if ok {
					t.Errorf("expected no entry for profile %q", tt.profile)
				}
				return
			}

			if policy == nil {
				t.Fatalf("expected non-nil policy for profile %q", tt.profile)
			}

			for _, expected := range tt.expectAllow {
				if !slices.Contains(policy.Allow, expected) {
					t.Errorf("expected %q in allow list for profile %q, got %v", expected, tt.profile, policy.Allow)
				}
			}
		})
	}
}

func TestToolGroupsContainsExpectedGroups(t *testing.T) {
	expectedGroups := []string{
		"group:fs",
		"group:runtime",
		"group:memory",
		"group:messaging",
		"group:web",
		"group:readonly",
	}

	for _, name := range expectedGroups {
		if _, ok := ToolGroups[name]; !ok {
			t.Errorf("expected %q to be a defined group", name)
		}
	}
}

func TestResolverWithGroups(t *testing.T) {
	resolver := NewResolver()

	policy := &Policy{
		Allow: []string{"group:fs", "websearch"},
	}

	allowedTools := []string{"read", "write", "edit", "websearch"}
	for _, tool := range allowedTools {
		if !resolver.Decide(policy, tool).Allowed {
			t.Errorf("expected %q to be allowed", tool)
		}
	}

	deniedTools := []string{"exec", "sandbox", "message"}
	for _, tool := range deniedTools {
		if resolver.Decide(policy, tool).Allowed {
			t.Errorf("expected %q to be denied", tool)
		}
	}
}

func TestResolverWithProfile(t *testing.T) {
	resolver := NewResolver()

	policy := &Policy{
		Profile: ProfileCoding,
	}

	allowedTools := []string{"read", "write", "exec", "sandbox"}
	for _, tool := range allowedTools {
		if !resolver.Decide(policy, tool).Allowed {
			t.Errorf("coding profile: expected %q to be allowed", tool)
		}
	}
}

func TestResolverWithProfileAndDeny(t *testing.T) {
	resolver := NewResolver()

	policy := &Policy{
		Profile: ProfileFull,
		Deny:    []string{"exec"},
	}

	if resolver.Decide(policy, "exec").Allowed {
		t.Error("expected exec to be denied even with full profile")
	}

	if !resolver.Decide(policy, "read").Allowed {
		t.Error("expected read to be allowed with full profile")
	}
}

func TestResolverWithGroupDeny(t *testing.T) {
	resolver := NewResolver()

	policy := &Policy{
		Profile: ProfileFull,
		Deny:    []string{"group:runtime"},
	}

	deniedTools := []string{"exec", "bash", "sandbox"}
	for _, tool := range deniedTools {
		if resolver.Decide(policy, tool).Allowed {
			t.Errorf("expected %q to be denied by group:runtime deny", tool)
		}
	}

	if !resolver.Decide(policy, "read").Allowed {
		t.Error("expected read to be allowed")
	}
}

func TestToolGroupsConsistency(t *testing.T) {
	coreTools := ToolGroups["group:core"]
	if coreTools == nil {
		t.Fatal("group:core should exist")
	}

	groupsToCheck := []string{"group:fs", "group:runtime", "group:web", "group:messaging"}

	for _, group := range groupsToCheck {
		for _, tool := range ToolGroups[group] {
			if !slices.Contains(coreTools, tool) {
				t.Errorf("group:core should contain %q from %s", tool, group)
			}
		}
	}
}

func TestReadonlyGroupNoModifyTools(t *testing.T) {
	readonlyTools := ToolGroups["group:readonly"]
	if readonlyTools == nil {
		t.Fatal("group:readonly should exist")
	}

	modifyTools := []string{"write", "edit", "exec", "bash", "sandbox", "message", "send_message"}

	for _, tool := range modifyTools {
		if slices.Contains(readonlyTools, tool) {
			t.Errorf("group:readonly should NOT contain modification tool %q", tool)
		}
	}

	readTools := []string{"read", "websearch", "memory_search"}
	for _, tool := range readTools {
		if !slices.Contains(readonlyTools, tool) {
			t.Errorf("group:readonly should contain read tool %q", tool)
		}
	}
}

package toolpolicy

import (
	"strings"
	"sync"
)

// Resolver resolves tool access based on policies by evaluating profiles,
// groups, allow lists, and deny lists. It supports MCP server tool
// registration and custom tool aliases.
type Resolver struct {
	mu         sync.RWMutex
	groups     map[string][]string
	mcpServers map[string][]string // serverID -> tool names
	aliases    map[string]string   // alias -> canonical tool name
}

// Decision explains why a tool was allowed or denied, providing
// the reason string for debugging and audit purposes.
type Decision struct {
	Allowed bool
	Tool    string
	Reason  string
}

// NewResolver creates a new policy resolver with the built-in groups
// initialized.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(ToolGroups))
	for name, tools := range ToolGroups {
		groups[name] = tools
	}
	return &Resolver{
		groups:     groups,
		mcpServers: make(map[string][]string),
		aliases:    make(map[string]string),
	}
}

// RegisterMCPServer registers tools from an MCP server, making them
// available for policy rules and creating a group "mcp:serverID" for
// convenience.
func (r *Resolver) RegisterMCPServer(serverID string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpServers[serverID] = tools
	r.groups["mcp:"+serverID] = tools
}

// RegisterAlias registers an alias that resolves to a canonical tool name,
// allowing alternative names like "bash" for "exec".
func (r *Resolver) RegisterAlias(alias string, canonical string) {
	alias = NormalizeTool(alias)
	canonical = NormalizeTool(canonical)
	if alias == "" || canonical == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// CanonicalName resolves a tool name to its canonical form via registered aliases.
func (r *Resolver) CanonicalName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalNameLocked(name)
}

func (r *Resolver) canonicalNameLocked(name string) string {
	normalized := NormalizeTool(name)
	if canonical, ok := r.aliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// ExpandGroups expands group references (e.g., "group:fs") and MCP
// wildcards (e.g., "mcp:server.*") in a tool list to their constituent
// tools.
func (r *Resolver) ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, item := range items {
		normalized := r.canonicalNameLocked(item)

		if tools, ok := r.groups[normalized]; ok {
			for _, tool := range tools {
				if !seen[tool] {
					seen[tool] = true
					result = append(result, tool)
				}
			}
			continue
		}

		if strings.HasPrefix(normalized, "mcp:") && strings.HasSuffix(normalized, ".*") {
			serverID := strings.TrimSuffix(strings.TrimPrefix(normalized, "mcp:"), ".*")
			if tools, ok := r.mcpServers[serverID]; ok {
				for _, tool := range tools {
					fullName := "mcp:" + serverID + "." + tool
					if !seen[fullName] {
						seen[fullName] = true
						result = append(result, fullName)
					}
				}
			}
			continue
		}

		if !seen[normalized] {
			seen[normalized] = true
			result = append(result, normalized)
		}
	}

	return result
}

// Decide returns an allow/deny decision with a detailed reason string
// explaining which rule caused the decision.
func (r *Resolver) Decide(policy *Policy, toolName string) Decision {
	normalized := r.CanonicalName(toolName)
	decision := Decision{Allowed: false, Tool: normalized, Reason: "no matching allow rule"}

	if policy == nil {
		decision.Reason = "no policy configured"
		return decision
	}

	policy = r.effectivePolicyForTool(policy, normalized)
	if policy == nil {
		decision.Reason = "no policy configured"
		return decision
	}

	var allowed []string
	if policy.Profile != "" {
		if profilePolicy, ok := ProfileDefaults[policy.Profile]; ok && profilePolicy != nil {
			allowed = r.ExpandGroups(profilePolicy.Allow)
		}
	}
	if len(policy.Allow) > 0 {
		allowed = append(allowed, r.ExpandGroups(policy.Allow)...)
	}

	denied := r.ExpandGroups(policy.Deny)
	for _, d := range denied {
		if d == normalized || matchToolPattern(d, normalized) {
			decision.Reason = "denied by rule: " + d
			return decision
		}
	}

	if policy.Profile == ProfileFull {
		decision.Allowed = true
		decision.Reason = "allowed by profile full"
		return decision
	}

	for _, a := range allowed {
		if a == normalized || matchToolPattern(a, normalized) {
			decision.Allowed = true
			decision.Reason = "allowed by rule: " + a
			return decision
		}
	}

	return decision
}

func (r *Resolver) effectivePolicyForTool(policy *Policy, toolName string) *Policy {
	if policy == nil {
		return nil
	}
	if len(policy.BySource) == 0 {
		return policy
	}
	sourceKey := toolSourceKey(toolName)
	sourcePolicy, ok := policy.BySource[sourceKey]
	if !ok || sourcePolicy == nil {
		return policy
	}

	base := *policy
	base.BySource = nil
	override := *sourcePolicy
	override.BySource = nil
	return Merge(&base, &override)
}

// toolSourceKey identifies where a tool comes from: "mcp:<server>" for an
// MCP-namespaced tool, "core" for everything else.
func toolSourceKey(toolName string) string {
	normalized := NormalizeTool(toolName)
	if strings.HasPrefix(normalized, "mcp:") {
		trimmed := strings.TrimPrefix(normalized, "mcp:")
		if trimmed == "" {
			return "mcp"
		}
		parts := strings.SplitN(trimmed, ".", 2)
		if parts[0] != "" {
			return "mcp:" + parts[0]
		}
		return "mcp"
	}
	return "core"
}

// matchToolPattern checks if a pattern matches a tool name. Supports:
//   - "mcp:*" or "core.*" - all tools from that source
//   - "mcp:server.*" - all tools from a given MCP server
//   - "mcp:server.tool" - exact match
//   - "*" - matches any tool
func matchToolPattern(pattern, toolName string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == "mcp:*":
		return strings.HasPrefix(toolName, "mcp:")
	case pattern == "core.*":
		return strings.HasPrefix(toolName, "core.") || !strings.Contains(toolName, ":")
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == toolName
	}
}

// FilterAllowed filters a list of tools to only those allowed by the
// policy, useful for presenting available tools to an agent.
func (r *Resolver) FilterAllowed(policy *Policy, tools []string) []string {
	var result []string
	for _, tool := range tools {
		if r.Decide(policy, tool).Allowed {
			result = append(result, tool)
		}
	}
	return result
}

// Merge merges multiple policies into one combined policy. Later
// policies override earlier ones for profile, and allow/deny lists are
// accumulated.
func Merge(policies ...*Policy) *Policy {
	result := &Policy{}

	for _, p := range policies {
		if p == nil {
			continue
		}
		if p.Profile != "" {
			result.Profile = p.Profile
		}
		result.Allow = append(result.Allow, p.Allow...)
		result.Deny = append(result.Deny, p.Deny...)
		if len(p.BySource) > 0 {
			if result.BySource == nil {
				result.BySource = make(map[string]*Policy)
			}
			for key, policy := range p.BySource {
				result.BySource[key] = policy
			}
		}
	}

	return result
}

package toolpolicy

// ToolGroups are named bundles of tools for convenient bulk policy
// entries. A group name carries the "group:" prefix so it is never
// ambiguous with a real tool name.
var ToolGroups = map[string][]string{
	// Runtime/execution tools - commands that run code or processes
	"group:runtime": {"exec", "bash", "process", "sandbox"},

	// Filesystem tools - read/write/modify files
	"group:fs": {"read", "write", "edit"},

	// Session management tools
	"group:sessions": {
		"sessions_list",
		"sessions_history",
		"sessions_send",
		"sessions_spawn",
		"session_status",
	},

	// Memory/knowledge retrieval tools
	"group:memory": {"memory_search", "memory_get"},

	// Automation/scheduling tools
	"group:automation": {"cron", "job_status"},

	// Messaging tools - send messages to users/channels
	"group:messaging": {"message", "send_message"},

	// Web tools - search and fetch from the web
	"group:web": {"websearch", "webfetch"},

	// Every tool this kernel ships with out of the box.
	"group:core": {
		"exec", "bash", "process", "sandbox",
		"read", "write", "edit",
		"websearch", "webfetch",
		"memory_search", "memory_get",
		"message", "send_message",
		"cron", "job_status",
		"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "session_status",
	},

	// Read-only tools - safe tools that don't modify state
	"group:readonly": {
		"read",
		"websearch", "webfetch",
		"memory_search", "memory_get",
		"sessions_list", "sessions_history", "session_status",
		"job_status",
	},
}

// ToolProfiles maps a profile name to the policy its "--profile" flag
// resolves to.
var ToolProfiles = map[string]*Policy{
	"coding": {
		Profile: ProfileCoding,
		Allow: []string{
			"group:fs",
			"group:runtime",
			"group:web",
			"group:memory",
			"group:sessions",
			"group:automation",
		},
	},
	"messaging": {
		Profile: ProfileMessaging,
		Allow: []string{
			"group:messaging",
			"status",
		},
	},
	"readonly": {
		Allow: []string{
			"group:readonly",
		},
	},
	"full": {
		Profile: ProfileFull,
	},
	"minimal": {
		Profile: ProfileMinimal,
		Allow:   []string{"status"},
	},
}

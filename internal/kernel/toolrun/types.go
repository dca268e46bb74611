// Package toolrun implements the tool-execution coordinator: a registry of
// tool configurations plus an executor that dispatches on tool type
// (SERVER, CLIENT, MCP) and runs the confirm-then-execute lifecycle on top
// of the confirmation and client-tool-result coordinators.
package toolrun

import (
	"context"
	"encoding/json"
	"time"
)

// Type is the tool tagged union. PROVIDER is accepted for configuration
// completeness but rejected at dispatch time — it belongs to the model
// adapter, not this executor.
type Type string

const (
	TypeServer   Type = "server"
	TypeClient   Type = "client"
	TypeMCP      Type = "mcp"
	TypeProvider Type = "provider"
)

// Intent is a coarse classification a confirmation UI can use to decide
// default messaging; purely descriptive.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
	IntentExec  Intent = "exec"
)

// Call is a single tool invocation request correlated by ToolUseID across
// the confirmation and client-result coordinators.
type Call struct {
	ToolUseID string
	Name      string
	Input     json.RawMessage
}

// Result is the structured, never-thrown outcome of executing a Call.
type Result struct {
	ToolUseID string
	Success   bool
	Content   string
	Error     string
	ErrorType string
}

// RequiresConfirmationFunc decides, per call, whether confirmation is
// needed; set it instead of the static RequiresConfirmation bool for
// input-dependent policies.
type RequiresConfirmationFunc func(input json.RawMessage) bool

// ConfirmationMessageFunc renders a human-facing confirmation prompt for a
// call; set it instead of the static ConfirmationMessage string when the
// message depends on the input.
type ConfirmationMessageFunc func(input json.RawMessage) string

// Handler is a SERVER or MCP tool's unit of work. CLIENT tools have no
// Handler; their result arrives asynchronously via the client-tool
// coordinator.
type Handler func(ctx context.Context, call Call) (Result, error)

// Tool is a single tool's configuration, per spec.md's per-Tool shape:
// { name, description, parameters(schema), handler?, type, intent,
// requiresResponse?, timeout?, defaultResult?, requiresConfirmation?,
// confirmationMessage?, providerOptions?, mcpConfig? }.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Type        Type
	Intent      Intent
	Handler     Handler

	// RequiresResponse gates a CLIENT tool's wait: false resolves
	// immediately with DefaultResult, true blocks on the client-tool
	// coordinator (with Timeout, default 30s).
	RequiresResponse bool
	Timeout          time.Duration
	DefaultResult    Result

	RequiresConfirmation     bool
	RequiresConfirmationFunc RequiresConfirmationFunc
	ConfirmationMessage      string
	ConfirmationMessageFunc  ConfirmationMessageFunc

	ProviderOptions map[string]any
	MCPConfig       map[string]any
}

func (t *Tool) needsConfirmation(input json.RawMessage) bool {
	if t.RequiresConfirmationFunc != nil {
		return t.RequiresConfirmationFunc(input)
	}
	return t.RequiresConfirmation
}

func (t *Tool) confirmationMessage(input json.RawMessage) string {
	if t.ConfirmationMessageFunc != nil {
		return t.ConfirmationMessageFunc(input)
	}
	return t.ConfirmationMessage
}

// ConfirmationCheck is CheckConfirmationRequired's result.
type ConfirmationCheck struct {
	Required bool
	Message  string
}

// Callbacks lets a caller of ProcessToolWithConfirmation observe lifecycle
// transitions without threading an event bus through the executor.
type Callbacks struct {
	OnConfirmationRequested func(call Call, message string)
	OnDenied                func(call Call)
	OnStarted               func(call Call)
	OnCompleted             func(call Call, result Result)
}

// Package protocol defines the structures and constants for the Model Context Protocol (MCP).
package protocol

import "encoding/json"

// Implementation describes the name and version of an MCP implementation (client or server).
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities describes features the client supports.
type ClientCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Roots        *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// SupportsSampling reports whether the client accepts sampling/createMessage.
func (c *ClientCapabilities) SupportsSampling() bool { return c != nil && c.Sampling != nil }

// SupportsElicitation reports whether the client accepts elicitation/create.
func (c *ClientCapabilities) SupportsElicitation() bool { return c != nil && c.Elicitation != nil }

// SupportsRoots reports whether the client accepts roots/list.
func (c *ClientCapabilities) SupportsRoots() bool { return c != nil && c.Roots != nil }

// ServerCapabilities describes features the server supports.
type ServerCapabilities struct {
	Experimental map[string]any `json:"experimental,omitempty"`
	Logging      *struct{}      `json:"logging,omitempty"`
	Completions  *struct{}      `json:"completions,omitempty"`
	Prompts      *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"prompts,omitempty"`
	Resources *struct {
		Subscribe   bool `json:"subscribe,omitempty"`
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"resources,omitempty"`
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
}

// InitializeRequestParams defines the parameters for the 'initialize' request.
type InitializeRequestParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult defines the result payload for a successful 'initialize' response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// RequestMeta carries the optional _meta field on request params.
type RequestMeta struct {
	ProgressToken any `json:"progressToken,omitempty"` // string or integer
}

// CancelledParams is the payload for notifications/cancelled.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ProgressParams is the payload for notifications/progress.
type ProgressParams struct {
	ProgressToken any      `json:"progressToken"`
	Progress      float64  `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// LoggingLevel represents the severity levels defined by MCP for
// logging/setLevel and notifications/message.
type LoggingLevel string

// Logging levels ordered from least to most severe.
const (
	LogLevelDebug     LoggingLevel = "debug"
	LogLevelInfo      LoggingLevel = "info"
	LogLevelNotice    LoggingLevel = "notice"
	LogLevelWarning   LoggingLevel = "warning"
	LogLevelError     LoggingLevel = "error"
	LogLevelCritical  LoggingLevel = "critical"
	LogLevelAlert     LoggingLevel = "alert"
	LogLevelEmergency LoggingLevel = "emergency"
)

var logLevelSeverity = map[LoggingLevel]int{
	LogLevelDebug: 0, LogLevelInfo: 1, LogLevelNotice: 2, LogLevelWarning: 3,
	LogLevelError: 4, LogLevelCritical: 5, LogLevelAlert: 6, LogLevelEmergency: 7,
}

// Severity returns the numeric rank of the level, -1 for unknown levels.
func (l LoggingLevel) Severity() int {
	if s, ok := logLevelSeverity[l]; ok {
		return s
	}
	return -1
}

// IsValid reports whether the level is one MCP defines.
func (l LoggingLevel) IsValid() bool { return l.Severity() >= 0 }

// SetLevelParams is the payload for logging/setLevel.
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams is the payload for notifications/message.
type LoggingMessageParams struct {
	Level  LoggingLevel    `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// PingParams is the (empty) payload for ping requests.
type PingParams struct{}

// EmptyResult is the empty result object used by ping, logging/setLevel,
// resources/subscribe and friends.
type EmptyResult struct{}

// Root describes a filesystem root exposed by the client.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the result payload for roots/list.
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

// --- Sampling (server -> client) ---

// SamplingMessage is one message in a sampling conversation.
type SamplingMessage struct {
	Role    string       `json:"role"` // "user" or "assistant"
	Content ContentBlock `json:"content"`
}

// ModelPreferences expresses the server's model selection hints.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         *float64    `json:"costPriority,omitempty"`
	SpeedPriority        *float64    `json:"speedPriority,omitempty"`
	IntelligencePriority *float64    `json:"intelligencePriority,omitempty"`
}

// ModelHint names a preferred model family.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// CreateMessageParams is the payload for sampling/createMessage.
type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// CreateMessageResult is the client's reply to sampling/createMessage.
type CreateMessageResult struct {
	Role       string       `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stopReason,omitempty"`
}

// --- Elicitation (server -> client) ---

// ElicitParams is the payload for elicitation/create.
type ElicitParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema"`
}

// ElicitResult is the client's reply to elicitation/create.
// Action is "accept", "decline", or "cancel".
type ElicitResult struct {
	Action  string          `json:"action"`
	Content json.RawMessage `json:"content,omitempty"`
}

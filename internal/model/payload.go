package model

// Tool execution statuses as reported inside a service payload.
const (
	ToolStatusPassed = "passed"
	ToolStatusFailed = "failed"
)

// ToolResult is one tool's share of a service payload: the tool's own verdict,
// the exit code of the underlying process (when the service runs one), and
// every finding it produced.
type ToolResult struct {
	Status   string    `json:"status"`
	ExitCode int       `json:"exit_code"`
	Findings []Finding `json:"findings"`
}

// ServicePayload is the normalized result of one service's subtask: the common
// shape every adapter translates the native service response into. The
// aggregator consumes only this shape, never protocol messages.
type ServicePayload struct {
	Service     string                `json:"service"`
	ToolResults map[string]ToolResult `json:"tool_results"`
}

// Message is the service protocol envelope. A service emits any number of
// progress messages and exactly one terminal message whose Type is
// "<service>_result"; only the discriminator decides which is which.
type Message struct {
	Type        string                `json:"type"`
	Status      string                `json:"status,omitempty"` // "success" | "error" on terminal messages
	Detail      string                `json:"detail,omitempty"`
	ToolResults map[string]ToolResult `json:"tool_results,omitempty"`
}

// Terminal message statuses.
const (
	MessageStatusSuccess = "success"
	MessageStatusError   = "error"
)

// TerminalFor reports whether m is the terminal message of the named service.
func (m Message) TerminalFor(service string) bool {
	return m.Type == service+"_result"
}

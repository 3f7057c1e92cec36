package toolexec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source tells where a call request was extracted from.
type Source string

const (
	SourceChat         Source = "chat"
	SourceFunctionCall Source = "function_call"
)

// CallRequest is a parsed tool call as produced by the upstream parser.
// Success and FailureReason are set by the parser and are never re-validated here.
type CallRequest struct {
	ToolName       string                 `json:"tool_name" yaml:"tool_name"`
	Arguments      map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	CallID         string                 `json:"call_id" yaml:"call_id"`
	Source         Source                 `json:"source,omitempty" yaml:"source,omitempty"`
	Success        bool                   `json:"success" yaml:"success"`
	FailureReason  string                 `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	RawText        string                 `json:"raw_text,omitempty" yaml:"raw_text,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
}

// Key returns the idempotency key, deriving it when the parser left it empty.
func (r CallRequest) Key() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return BuildIdempotencyKey(r.ToolName, r.Arguments, r.CallID)
}

// BuildIdempotencyKey concatenates tool name, serialized arguments and call id.
// No hashing and no collision detection: equal keys are the same logical call.
func BuildIdempotencyKey(toolName string, args map[string]interface{}, callID string) string {
	serialized := "{}"
	if len(args) > 0 {
		if b, err := json.Marshal(args); err == nil {
			serialized = string(b)
		} else {
			serialized = fmt.Sprintf("%v", args)
		}
	}
	return toolName + ":" + serialized + ":" + callID
}

// ExecutionOutcome is the recorded result of attempting one call request.
// Result is owned by the tool implementation and has no fixed shape.
type ExecutionOutcome struct {
	Request     CallRequest   `json:"request"`
	Success     bool          `json:"success"`
	Result      interface{}   `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
	Replayed    bool          `json:"replayed,omitempty"`
}

// FailedOutcome builds a failed outcome whose result carries message under "error".
func FailedOutcome(req CallRequest, message string) ExecutionOutcome {
	return ExecutionOutcome{
		Request:     req,
		Success:     false,
		Error:       message,
		Result:      map[string]interface{}{"error": message},
		CompletedAt: time.Now(),
	}
}

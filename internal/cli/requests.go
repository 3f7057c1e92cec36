package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harun/toolrun/pkg/toolexec"
	"gopkg.in/yaml.v3"
)

// fileRequest is one call in a request file. Success is optional and
// defaults to true; a file marks extraction failures explicitly.
type fileRequest struct {
	ToolName       string                 `json:"tool_name" yaml:"tool_name"`
	Arguments      map[string]interface{} `json:"arguments" yaml:"arguments"`
	CallID         string                 `json:"call_id" yaml:"call_id"`
	Source         toolexec.Source        `json:"source" yaml:"source"`
	Success        *bool                  `json:"success" yaml:"success"`
	FailureReason  string                 `json:"failure_reason" yaml:"failure_reason"`
	RawText        string                 `json:"raw_text" yaml:"raw_text"`
	IdempotencyKey string                 `json:"idempotency_key" yaml:"idempotency_key"`
}

// loadRequests reads a JSON or YAML list of call requests. "-" reads stdin
// as YAML, which also accepts JSON.
func loadRequests(path string, stdin io.Reader) ([]toolexec.CallRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}

	var entries []fileRequest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &entries)
	default:
		err = yaml.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse requests from %s: %w", path, err)
	}

	reqs := make([]toolexec.CallRequest, 0, len(entries))
	for i, entry := range entries {
		req := toolexec.CallRequest{
			ToolName:       entry.ToolName,
			Arguments:      entry.Arguments,
			CallID:         entry.CallID,
			Source:         entry.Source,
			Success:        entry.Success == nil || *entry.Success,
			FailureReason:  entry.FailureReason,
			RawText:        entry.RawText,
			IdempotencyKey: entry.IdempotencyKey,
		}
		if req.CallID == "" {
			req.CallID = "call-" + strconv.Itoa(i+1)
		}
		if req.Source == "" {
			req.Source = toolexec.SourceFunctionCall
		}
		if req.ToolName == "" && req.Success {
			return nil, fmt.Errorf("request %d: tool_name is required", i+1)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

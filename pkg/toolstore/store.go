package toolstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/toolrun/pkg/toolexec"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultTimeout bounds a single tool invocation when neither the tool nor the store set one.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes is the size above which string output is truncated.
	DefaultMaxOutputBytes = 10 * 1024

	truncationMarker = "\n... [output truncated]"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	// Timeout overrides the store default for this tool.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Options configures a Store. Zero values fall back to the package defaults.
type Options struct {
	Name           string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// Store is a named registry of tools. It implements toolexec.ToolStore.
type Store struct {
	name           string
	defaultTimeout time.Duration
	maxOutputBytes int

	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

var _ toolexec.ToolStore = (*Store)(nil)

// New creates an empty store
func New(opts Options) *Store {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}

	return &Store{
		name:           opts.Name,
		defaultTimeout: opts.DefaultTimeout,
		maxOutputBytes: opts.MaxOutputBytes,
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
	}
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// RegisterTool registers a new tool, replacing any tool with the same name
func (s *Store) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools[def.Name] = &def
	s.schemas[def.Name] = schema

	log.Debug().Str("store", s.name).Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (s *Store) UnregisterTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tools, name)
	delete(s.schemas, name)

	log.Debug().Str("store", s.name).Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (s *Store) GetTool(name string) *ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tools[name]
}

// ListTools returns all registered tool names, sorted
func (s *Store) ListTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]string, 0, len(s.tools))
	for name := range s.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// Definitions returns copies of all tool definitions, sorted by name
func (s *Store) Definitions() []ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(s.tools))
	for _, def := range s.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}

// Count returns the number of registered tools
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.tools)
}

// Resolve returns a runnable wrapper around the named tool. The wrapper
// validates arguments against the tool schema, applies the timeout and
// truncates oversized string output.
//
// A timed-out handler is abandoned, not stopped: it keeps running until it
// returns, outside the executor's pool limit. Handlers must honor ctx.
func (s *Store) Resolve(name string) (toolexec.ToolFunc, bool) {
	s.mu.RLock()
	def := s.tools[name]
	schema := s.schemas[name]
	s.mu.RUnlock()

	if def == nil {
		return nil, false
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return s.execute(ctx, def, schema, timeout, args)
	}, true
}

func (s *Store) execute(ctx context.Context, def *ToolDefinition, schema *gojsonschema.Schema, timeout time.Duration, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateParameters(schema, args); err != nil {
		return nil, fmt.Errorf("parameter validation failed: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerResult struct {
		value interface{}
		err   error
	}
	done := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("tool %s panicked: %v", def.Name, r)}
			}
		}()
		value, err := def.Handler(timeoutCtx, args)
		done <- handlerResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		output, truncated := truncateOutput(res.value, s.maxOutputBytes)
		if truncated {
			log.Warn().Str("tool", def.Name).Int("limit", s.maxOutputBytes).Msg("Output truncated")
		}
		return output, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool execution cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema builds a closed object schema from the tool parameters
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{"type": param.Type}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}

// truncateOutput cuts string output above limit bytes. Structured values are
// returned untouched so callers keep their shape.
func truncateOutput(output interface{}, limit int) (interface{}, bool) {
	str, ok := output.(string)
	if !ok || len(str) <= limit {
		return output, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut] + truncationMarker, true
}

// Package toolexec runs model-requested tool calls: argument validation, a
// per-run result cache, the read-before-write gate, dependency-ordered
// parallel dispatch, output truncation and failure reflection.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/cinch/unifiedllm"
)

// Tool is the contract every executable tool satisfies.
type Tool interface {
	Definition() unifiedllm.ToolDefinition
	// Cacheable tools are pure for a given argument string within a run.
	Cacheable() bool
	// Mutation tools change workspace state and invalidate the cache.
	Mutation() bool
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// FileReader is implemented by tools whose "path" argument names a file they
// read. Successful executions are recorded in the ReadTracker.
type FileReader interface {
	ReadsFile() bool
}

// FuncTool adapts a plain function to the Tool interface.
type FuncTool struct {
	Def         unifiedllm.ToolDefinition
	IsCacheable bool
	IsMutation  bool
	IsFileRead  bool
	Fn          func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *FuncTool) Definition() unifiedllm.ToolDefinition { return t.Def }
func (t *FuncTool) Cacheable() bool                       { return t.IsCacheable }
func (t *FuncTool) Mutation() bool                        { return t.IsMutation }
func (t *FuncTool) ReadsFile() bool                       { return t.IsFileRead }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages tool registration, lookup and argument validation.
type Registry struct {
	tools map[string]*registeredTool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. The tool's parameter schema is compiled
// up front so a malformed schema is reported at registration.
func (r *Registry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &registeredTool{tool: tool, schema: schema}
	return nil
}

// MustRegister is Register for built-in tools whose schemas are known good.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, rt.tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Filter returns a new registry holding the tools keep accepts.
func (r *Registry) Filter(keep func(Tool) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, rt := range r.tools {
		if keep(rt.tool) {
			cloned := *rt
			out.tools[name] = &cloned
		}
	}
	return out
}

// Clone returns a copy of the registry.
func (r *Registry) Clone() *Registry {
	return r.Filter(func(Tool) bool { return true })
}

// MergeFrom copies all tools from other into this registry (latest wins).
func (r *Registry) MergeFrom(other *Registry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, rt := range other.tools {
		cloned := *rt
		r.tools[name] = &cloned
	}
}

// Validate checks args against the named tool's parameter schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v interface{}
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if rt.schema == nil {
		return nil
	}
	if err := rt.schema.Validate(v); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func compileSchema(def unifiedllm.ToolDefinition) (*jsonschema.Schema, error) {
	if len(def.Parameters) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(def.Name+".json", string(raw))
}

// ParseArguments unmarshals tool call arguments into a map.
func ParseArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

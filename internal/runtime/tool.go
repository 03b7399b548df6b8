package runtime

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/samber/lo"

	"github.com/user/burrow/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := lo.Keys(r.tools)
	sort.Strings(names)
	return names
}

// All returns all registered tools, sorted by name.
func (r *Registry) All() []Tool {
	return lo.Map(r.Names(), func(name string, _ int) Tool { return r.tools[name] })
}

// Subset returns a registry holding only the named tools. An empty list
// allows every registered tool.
func (r *Registry) Subset(allowed []string) *Registry {
	if len(allowed) == 0 {
		return r
	}
	return &Registry{tools: lo.PickByKeys(r.tools, allowed)}
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	return lo.Map(r.All(), func(t Tool, _ int) llm.Tool {
		return llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		}
	})
}

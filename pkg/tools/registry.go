// Package tools implements the agent-facing tool surface: file
// manipulation, shell execution, and git checkpoints. Tools are held in
// a registry that validates LLM-supplied inputs against compiled JSON
// schemas before dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	schemacompiler "github.com/santhosh-tekuri/jsonschema/v5"
)

// Definition is the tool document sent to the LLM as part of the catalog.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ExecFunc runs a tool with already-validated arguments. Tool failures
// that the model should see are returned inside the result map under
// "error"; a non-nil error means the dispatch machinery itself broke.
type ExecFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool pairs a definition with its compiled schema and executor.
type Tool struct {
	Definition Definition
	Schema     *schemacompiler.Schema
	Exec       ExecFunc
}

// Registry holds tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Definition.Name) == "" {
		return fmt.Errorf("tool missing name")
	}
	if t.Exec == nil {
		return fmt.Errorf("tool %s missing executor", t.Definition.Name)
	}
	if t.Schema == nil {
		s, err := compileSchema(t.Definition.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", t.Definition.Name, err)
		}
		t.Schema = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Definition.Name]; !ok {
		r.order = append(r.order, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Definitions returns the tool catalog in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition)
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute validates raw arguments against the tool's schema and runs it.
// Validation failures and unknown tools come back as error-valued result
// maps so the model can react to them.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage) map[string]any {
	t, ok := r.Get(name)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Unknown tool: %s", name)}
	}

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return map[string]any{"error": fmt.Sprintf("invalid tool arguments JSON: %v", err)}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := t.Schema.Validate(toValidatable(args)); err != nil {
		return map[string]any{"error": fmt.Sprintf("tool arguments failed schema validation: %v", err)}
	}

	result, err := t.Exec(ctx, args)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result
}

func compileSchema(doc map[string]any) (*schemacompiler.Schema, error) {
	if doc == nil {
		doc = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := schemacompiler.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// toValidatable round-trips args through JSON so numeric values take the
// types the schema validator expects.
func toValidatable(args map[string]any) any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return args
	}
	return v
}

// InputSchemaFor generates a JSON schema document from a Go parameter
// struct via its json/jsonschema tags.
func InputSchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	if doc["type"] == nil {
		doc["type"] = "object"
	}
	return doc
}

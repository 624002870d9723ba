package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/user/incidentd/pkg/llm"
)

// Tool is a backend the reference executor can consult during a turn.
// Each call surfaces to viewers as one step.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ErrUnknownTool is returned for a tool name the model made up.
var ErrUnknownTool = errors.New("unknown tool")

// Toolset is the fixed set of tools offered to the model for every turn.
type Toolset struct {
	tools  []Tool
	byName map[string]Tool
}

// NewToolset orders tools by name and rejects unnamed or duplicate tools.
func NewToolset(tools ...Tool) (*Toolset, error) {
	s := &Toolset{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool %T has no name", t)
		}
		if _, dup := s.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		s.byName[name] = t
		s.tools = append(s.tools, t)
	}
	sort.Slice(s.tools, func(i, j int) bool { return s.tools[i].Name() < s.tools[j].Name() })
	return s, nil
}

func (s *Toolset) Names() []string {
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name()
	}
	return names
}

// Specs describes the tools in the provider's function-calling format.
func (s *Toolset) Specs() []llm.Tool {
	out := make([]llm.Tool, len(s.tools))
	for i, t := range s.tools {
		out[i] = llm.FunctionTool(t.Name(), t.Description(), t.Parameters())
	}
	return out
}

// Call runs the named tool.
func (s *Toolset) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := s.byName[name]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return t.Execute(ctx, args)
}

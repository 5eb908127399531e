package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
)

const CapabilityVision = "image"

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidArguments  = errors.New("invalid capability arguments")
	ErrContentFiltered   = errors.New("response blocked by content filter")
)

// VisionArgs are the arguments of the vision capability.
type VisionArgs struct {
	UserMsg string `json:"user_msg" jsonschema:"The user message that triggered this function"`
}

// Capability is a function the model may call, declared with a JSON schema.
type Capability struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema

	resolved *jsonschema.Resolved
}

func NewCapability(name, description string, schema *jsonschema.Schema) (*Capability, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve %s schema: %w", name, err)
	}
	return &Capability{
		Name:        name,
		Description: description,
		Schema:      schema,
		resolved:    resolved,
	}, nil
}

// Validate checks decoded call arguments against the schema.
func (c *Capability) Validate(args map[string]any) error {
	if args == nil {
		return fmt.Errorf("%w: %s: arguments are not a JSON object", ErrInvalidArguments, c.Name)
	}
	if err := c.resolved.Validate(args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, c.Name, err)
	}
	return nil
}

// Parameters renders the schema in the shape the OpenAI tools API expects.
func (c *Capability) Parameters() openai.FunctionParameters {
	b, err := json.Marshal(c.Schema)
	if err != nil {
		return nil
	}
	var params openai.FunctionParameters
	if err := json.Unmarshal(b, &params); err != nil {
		return nil
	}
	return params
}

// Call is a validated invocation. The set of implementations is closed.
type Call interface {
	CallID() string
	isCall()
}

// VisionCall asks for a reply that looks at the latest video frame.
type VisionCall struct {
	ID      string
	UserMsg string
}

func (c VisionCall) CallID() string { return c.ID }
func (VisionCall) isCall()          {}

// Registry is the fixed set of capabilities offered to the model.
type Registry struct {
	order  []*Capability
	byName map[string]*Capability
}

func NewRegistry(caps ...*Capability) *Registry {
	r := &Registry{byName: make(map[string]*Capability, len(caps))}
	for _, c := range caps {
		if _, dup := r.byName[c.Name]; dup {
			continue
		}
		r.order = append(r.order, c)
		r.byName[c.Name] = c
	}
	return r
}

// DefaultRegistry holds the vision capability.
func DefaultRegistry() *Registry {
	return NewRegistry(MustVisionCapability())
}

func MustVisionCapability() *Capability {
	schema, err := jsonschema.For[VisionArgs](&jsonschema.ForOptions{})
	if err != nil {
		panic(err)
	}
	c, err := NewCapability(
		CapabilityVision,
		"Called when asked to evaluate something that requires vision capabilities, such as an image, video, or the webcam feed.",
		schema,
	)
	if err != nil {
		panic(err)
	}
	return c
}

func (r *Registry) Declarations() []*Capability {
	out := make([]*Capability, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Lookup(name string) (*Capability, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Resolve looks the invocation up by name, validates its arguments and
// returns the typed call.
func (r *Registry) Resolve(inv Invocation) (Call, error) {
	c, ok := r.Lookup(inv.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, inv.Name)
	}
	if err := c.Validate(inv.Arguments); err != nil {
		return nil, err
	}

	switch c.Name {
	case CapabilityVision:
		msg, _ := inv.Arguments["user_msg"].(string)
		msg = strings.TrimSpace(msg)
		if msg == "" {
			return nil, fmt.Errorf("%w: %s: user_msg is empty", ErrInvalidArguments, c.Name)
		}
		return VisionCall{ID: inv.ID, UserMsg: msg}, nil
	default:
		return nil, fmt.Errorf("%w: %q has no handler", ErrUnknownCapability, c.Name)
	}
}

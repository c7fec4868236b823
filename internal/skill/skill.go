package skill

import (
	"context"
	"errors"
	"log/slog"
)

// Registry lookup misses. These surface as task failures, audited with the
// corresponding reason.
var (
	ErrUnknownSkill  = errors.New("unknown skill")
	ErrUnknownAction = errors.New("unknown action")
)

// Result is the outcome of a single skill action invocation.
type Result struct {
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Err     string `json:"error,omitempty"`
}

// ParamSpec declares one parameter slot of an action.
type ParamSpec struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required" json:"required"`
}

// Action is one named capability of a skill. Triggers are literal phrases
// with {slot} placeholders; the router compiles them in registration order.
type Action struct {
	Name     string      `yaml:"name" json:"name"`
	Triggers []string    `yaml:"triggers" json:"triggers"`
	Params   []ParamSpec `yaml:"params" json:"params"`
}

// Definition describes a skill: its unique name, declared version and the
// ordered list of actions it supports.
type Definition struct {
	Name    string   `yaml:"name" json:"name"`
	Version string   `yaml:"version" json:"version"`
	Actions []Action `yaml:"actions" json:"actions"`
}

// Handler is the fixed three-hook contract every skill implements.
// Initialize is called once at load with a handle to core services; a skill
// that fails Initialize is excluded entirely. Handle runs one action with
// extracted parameters. Shutdown is called once at teardown, best-effort.
type Handler interface {
	Definition() Definition
	Initialize(ctx context.Context, core CoreHandle) error
	Handle(ctx context.Context, action string, params map[string]string) (*Result, error)
	Shutdown(ctx context.Context) error
}

// CoreHandle is the slice of core services exposed to skills.
type CoreHandle interface {
	// SubmitText feeds a command line back into the routing entry point,
	// as if the user had typed it.
	SubmitText(ctx context.Context, text string) error
	Logger() *slog.Logger
	// RegisterAction registers an additional action for the named skill at
	// runtime (append-only, last registration wins on name collision).
	RegisterAction(skillName string, action Action) error
}

// ActionRef pairs an action with its owning skill, in registration order.
type ActionRef struct {
	Skill  string
	Action Action
}

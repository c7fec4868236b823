package skill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// scriptManifest is the on-disk format of a script-backed skill: a Definition
// plus one shell fragment per action. Parameters are exported to the script
// as PARAM_<NAME> environment variables; stdout becomes the result value.
type scriptManifest struct {
	Definition `yaml:",inline"`
	Scripts    map[string]string `yaml:"scripts"`
	WorkDir    string            `yaml:"workdir"`
}

// ScriptSkill runs manifest-declared shell fragments through the embedded
// POSIX shell interpreter. No external shell binary is involved, and the
// interpreter honors context cancellation.
type ScriptSkill struct {
	def     Definition
	scripts map[string]*syntax.File
	workDir string
	core    CoreHandle
}

// LoadScriptSkill parses a manifest file and pre-parses every script so a
// syntax error surfaces at load time, not first invocation.
func LoadScriptSkill(path string) (*ScriptSkill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m scriptManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s: skill name is required", path)
	}

	parser := syntax.NewParser()
	scripts := make(map[string]*syntax.File, len(m.Scripts))
	for _, a := range m.Actions {
		src, ok := m.Scripts[a.Name]
		if !ok {
			return nil, fmt.Errorf("manifest %s: action %q has no script", path, a.Name)
		}
		prog, err := parser.Parse(strings.NewReader(src), a.Name)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: action %q: %w", path, a.Name, err)
		}
		scripts[a.Name] = prog
	}

	workDir := m.WorkDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			workDir = "/"
		}
	}

	return &ScriptSkill{
		def:     m.Definition,
		scripts: scripts,
		workDir: workDir,
	}, nil
}

func (s *ScriptSkill) Definition() Definition {
	return s.def
}

func (s *ScriptSkill) Initialize(_ context.Context, core CoreHandle) error {
	s.core = core
	return nil
}

func (s *ScriptSkill) Handle(ctx context.Context, action string, params map[string]string) (*Result, error) {
	prog, ok := s.scripts[action]
	if !ok {
		return nil, fmt.Errorf("script skill %q has no action %q", s.def.Name, action)
	}

	environ := os.Environ()
	for name, value := range params {
		environ = append(environ, fmt.Sprintf("PARAM_%s=%s", strings.ToUpper(name), value))
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(s.workDir),
		interp.Env(expand.ListEnviron(environ...)),
		interp.StdIO(strings.NewReader(""), &stdout, &stderr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create shell runner: %w", err)
	}

	err = runner.Run(ctx, prog)
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			if msg == "" {
				msg = fmt.Sprintf("exit status %d", uint8(exitStatus))
			}
			return &Result{Success: false, Err: msg}, nil
		}
		if msg != "" {
			return &Result{Success: false, Err: fmt.Sprintf("%s: %s", err.Error(), msg)}, nil
		}
		return &Result{Success: false, Err: err.Error()}, nil
	}

	return &Result{
		Success: true,
		Value:   outputLines(stdout.String()),
	}, nil
}

func (s *ScriptSkill) Shutdown(_ context.Context) error {
	return nil
}

// outputLines splits trailing-newline-terminated output into lines; a single
// line stays a plain string so simple results read naturally.
func outputLines(out string) any {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return ""
	}
	lines := strings.Split(out, "\n")
	if len(lines) == 1 {
		return lines[0]
	}
	return lines
}

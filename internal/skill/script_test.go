package skill

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSkillManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skill.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScriptSkillMultiLineOutput(t *testing.T) {
	path := writeSkillManifest(t, `
name: files
version: 1.0.0
actions:
  - name: list
    triggers: ["listar arquivos {path}"]
    params:
      - {name: path, required: true}
scripts:
  list: |
    printf "a.txt\n"
    printf "b.txt\n"
`)
	s, err := LoadScriptSkill(path)
	if err != nil {
		t.Fatalf("LoadScriptSkill failed: %v", err)
	}

	res, err := s.Handle(context.Background(), "list", map[string]string{"path": "/tmp"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	lines, ok := res.Value.([]string)
	if !ok {
		t.Fatalf("value type = %T, want []string", res.Value)
	}
	if len(lines) != 2 || lines[0] != "a.txt" || lines[1] != "b.txt" {
		t.Errorf("lines = %v", lines)
	}
}

func TestScriptSkillParamEnv(t *testing.T) {
	path := writeSkillManifest(t, `
name: greeter
version: 1.0.0
actions:
  - name: greet
    triggers: ["saudar {name}"]
scripts:
  greet: 'printf "hello %s" "$PARAM_NAME"'
`)
	s, err := LoadScriptSkill(path)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Handle(context.Background(), "greet", map[string]string{"name": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != "hello alice" {
		t.Errorf("value = %v, want %q", res.Value, "hello alice")
	}
}

func TestScriptSkillFailure(t *testing.T) {
	path := writeSkillManifest(t, `
name: failing
version: 1.0.0
actions:
  - name: fail
    triggers: ["falhar"]
scripts:
  fail: |
    echo "something went wrong" >&2
    exit 3
`)
	s, err := LoadScriptSkill(path)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Handle(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("a failing script is a failed result, not a handler error: %v", err)
	}
	if res.Success {
		t.Error("result reports success for exit 3")
	}
	if res.Err != "something went wrong" {
		t.Errorf("error = %q, want the script's stderr", res.Err)
	}
}

func TestScriptSkillSyntaxErrorAtLoad(t *testing.T) {
	path := writeSkillManifest(t, `
name: bad
version: 1.0.0
actions:
  - name: x
    triggers: ["x"]
scripts:
  x: "for do done"
`)
	if _, err := LoadScriptSkill(path); err == nil {
		t.Fatal("LoadScriptSkill accepted a script with a syntax error")
	}
}

func TestScriptSkillMissingScript(t *testing.T) {
	path := writeSkillManifest(t, `
name: incomplete
version: 1.0.0
actions:
  - name: x
    triggers: ["x"]
scripts: {}
`)
	if _, err := LoadScriptSkill(path); err == nil {
		t.Fatal("LoadScriptSkill accepted an action without a script")
	}
}

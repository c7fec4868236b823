package skill

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type stubSkill struct {
	def      Definition
	initErr  error
	handled  []string
	shutdown func()
}

func (s *stubSkill) Definition() Definition { return s.def }

func (s *stubSkill) Initialize(_ context.Context, _ CoreHandle) error { return s.initErr }

func (s *stubSkill) Handle(_ context.Context, action string, _ map[string]string) (*Result, error) {
	s.handled = append(s.handled, action)
	return &Result{Success: true, Value: action}, nil
}

func (s *stubSkill) Shutdown(_ context.Context) error {
	if s.shutdown != nil {
		s.shutdown()
	}
	return nil
}

func newStub(name string, actions ...string) *stubSkill {
	def := Definition{Name: name, Version: "1.0.0"}
	for _, a := range actions {
		def.Actions = append(def.Actions, Action{Name: a, Triggers: []string{name + " " + a}})
	}
	return &stubSkill{def: def}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())

	if err := r.Register(ctx, newStub("files", "list", "delete"), nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	h, a, err := r.Resolve("files", "list")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a.Name != "list" {
		t.Errorf("action = %q, want %q", a.Name, "list")
	}
	if h.Definition().Name != "files" {
		t.Errorf("handler = %q, want %q", h.Definition().Name, "files")
	}

	_, _, err = r.Resolve("nosuch", "list")
	if !errors.Is(err, ErrUnknownSkill) {
		t.Errorf("Resolve(nosuch/list) error = %v, want ErrUnknownSkill", err)
	}
	_, _, err = r.Resolve("files", "nosuch")
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Resolve(files/nosuch) error = %v, want ErrUnknownAction", err)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())

	if err := r.Register(ctx, newStub("files", "list"), nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(ctx, newStub("files", "other"), nil); err == nil {
		t.Fatal("duplicate skill name was accepted")
	}
}

func TestRegisterInitializeFailureExcludesSkill(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())

	bad := newStub("broken", "x")
	bad.initErr = errors.New("boom")
	if err := r.Register(ctx, bad, nil); err == nil {
		t.Fatal("Register accepted a skill whose Initialize failed")
	}

	if _, _, err := r.Resolve("broken", "x"); err == nil {
		t.Error("failed skill is still resolvable")
	}
	if len(r.Actions()) != 0 {
		t.Errorf("failed skill contributed %d actions to the catalog", len(r.Actions()))
	}
}

func TestActionsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())

	if err := r.Register(ctx, newStub("alpha", "a1", "a2"), nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, newStub("beta", "b1"), nil); err != nil {
		t.Fatal(err)
	}

	refs := r.Actions()
	want := []string{"alpha/a1", "alpha/a2", "beta/b1"}
	if len(refs) != len(want) {
		t.Fatalf("got %d actions, want %d", len(refs), len(want))
	}
	for i, w := range want {
		got := refs[i].Skill + "/" + refs[i].Action.Name
		if got != w {
			t.Errorf("actions[%d] = %s, want %s", i, got, w)
		}
	}
}

func TestRegisterActionRuntime(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())

	if err := r.Register(ctx, newStub("files", "list"), nil); err != nil {
		t.Fatal(err)
	}

	if err := r.RegisterAction("nosuch", Action{Name: "x"}); err == nil {
		t.Error("RegisterAction accepted an unknown skill")
	}

	added := Action{Name: "archive", Triggers: []string{"arquivar {path}"}}
	if err := r.RegisterAction("files", added); err != nil {
		t.Fatalf("RegisterAction failed: %v", err)
	}
	if _, a, err := r.Resolve("files", "archive"); err != nil || a.Name != "archive" {
		t.Errorf("runtime action not resolvable: %v", err)
	}

	// Re-registration appends; the later entry wins on resolve.
	replaced := Action{Name: "archive", Triggers: []string{"compactar {path}"}}
	if err := r.RegisterAction("files", replaced); err != nil {
		t.Fatalf("RegisterAction failed: %v", err)
	}
	_, a, err := r.Resolve("files", "archive")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Triggers) != 1 || a.Triggers[0] != "compactar {path}" {
		t.Errorf("resolved triggers = %v, want the re-registered action", a.Triggers)
	}
}

func TestShutdownAllReverseOrder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testLogger())

	var order []string
	for _, name := range []string{"one", "two", "three"} {
		s := newStub(name, "x")
		n := name
		s.shutdown = func() { order = append(order, n) }
		if err := r.Register(ctx, s, nil); err != nil {
			t.Fatal(err)
		}
	}

	r.ShutdownAll(ctx)
	want := []string{"three", "two", "one"}
	if len(order) != len(want) {
		t.Fatalf("shutdown order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("shutdown order = %v, want %v", order, want)
		}
	}

	if len(r.Skills()) != 0 {
		t.Error("skills remain after ShutdownAll")
	}
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeManifest := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	writeManifest("echo.yaml", `
name: echo
version: 1.0.0
actions:
  - name: say
    triggers: ["eco {text}"]
    params:
      - {name: text, required: true}
scripts:
  say: 'printf "%s\n" "$PARAM_TEXT"'
`)
	writeManifest("old.disabled.yaml", `
name: old
version: 0.1.0
actions:
  - name: noop
    triggers: ["velho"]
scripts:
  noop: "true"
`)
	writeManifest("broken.yaml", `
name: broken
actions:
  - name: bad
    triggers: ["quebrado"]
scripts:
  bad: "if then fi ((("
`)
	writeManifest("notes.txt", "not a manifest")

	r := NewRegistry(testLogger())
	if err := r.LoadAll(ctx, dir, nil); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	skills := r.Skills()
	if len(skills) != 1 || skills[0].Name != "echo" {
		t.Fatalf("loaded skills = %+v, want only echo", skills)
	}

	h, _, err := r.Resolve("echo", "say")
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.Handle(ctx, "say", map[string]string{"text": "ola"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !res.Success || res.Value != "ola" {
		t.Errorf("result = %+v, want success with value %q", res, "ola")
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.LoadAll(context.Background(), filepath.Join(t.TempDir(), "nope"), nil); err != nil {
		t.Fatalf("missing plugin dir must not be fatal: %v", err)
	}
	if len(r.Skills()) != 0 {
		t.Error("skills loaded from a missing directory")
	}
}

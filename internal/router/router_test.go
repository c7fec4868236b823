package router

import (
	"errors"
	"testing"

	"github.com/mfigueira/mordomo/internal/skill"
)

type staticCatalog []skill.ActionRef

func (c staticCatalog) Actions() []skill.ActionRef {
	return c
}

func newTestRouter() *Router {
	return New(staticCatalog{
		{
			Skill: "files",
			Action: skill.Action{
				Name:     "list",
				Triggers: []string{"listar arquivos {path}", "list files {path}"},
				Params:   []skill.ParamSpec{{Name: "path", Required: true}},
			},
		},
		{
			Skill: "files",
			Action: skill.Action{
				Name:     "delete",
				Triggers: []string{"apagar {path}"},
				Params:   []skill.ParamSpec{{Name: "path", Required: true}},
			},
		},
		{
			Skill: "notes",
			Action: skill.Action{
				Name:     "list",
				Triggers: []string{"listar {what}"},
				Params:   []skill.ParamSpec{{Name: "what", Required: true}},
			},
		},
	})
}

func TestRoute(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name       string
		text       string
		wantSkill  string
		wantAction string
		wantParams map[string]string
	}{
		{
			name:       "portuguese trigger with path param",
			text:       "listar arquivos /tmp",
			wantSkill:  "files",
			wantAction: "list",
			wantParams: map[string]string{"path": "/tmp"},
		},
		{
			name:       "english trigger for same action",
			text:       "list files /var/log",
			wantSkill:  "files",
			wantAction: "list",
			wantParams: map[string]string{"path": "/var/log"},
		},
		{
			name:       "case insensitive literal match",
			text:       "Listar Arquivos /home",
			wantSkill:  "files",
			wantAction: "list",
			wantParams: map[string]string{"path": "/home"},
		},
		{
			name:       "trailing slot consumes rest of line",
			text:       "apagar /tmp/some file.txt",
			wantSkill:  "files",
			wantAction: "delete",
			wantParams: map[string]string{"path": "/tmp/some file.txt"},
		},
		{
			name:       "surrounding whitespace trimmed",
			text:       "  listar arquivos /tmp  ",
			wantSkill:  "files",
			wantAction: "list",
			wantParams: map[string]string{"path": "/tmp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := r.Route(tt.text)
			if err != nil {
				t.Fatalf("Route(%q) failed: %v", tt.text, err)
			}
			if cmd.Skill != tt.wantSkill || cmd.Action != tt.wantAction {
				t.Errorf("Route(%q) = %s/%s, want %s/%s", tt.text, cmd.Skill, cmd.Action, tt.wantSkill, tt.wantAction)
			}
			for k, v := range tt.wantParams {
				if cmd.Params[k] != v {
					t.Errorf("param %q = %q, want %q", k, cmd.Params[k], v)
				}
			}
		})
	}
}

func TestRouteSystemCommands(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		text string
		want SystemCommand
	}{
		{"status", SystemStatus},
		{"help", SystemHelp},
		{"ajuda", SystemHelp},
		{"exit", SystemExit},
		{"sair", SystemExit},
		{"STATUS", SystemStatus},
	}

	for _, tt := range tests {
		cmd, err := r.Route(tt.text)
		if err != nil {
			t.Fatalf("Route(%q) failed: %v", tt.text, err)
		}
		if cmd.System != tt.want {
			t.Errorf("Route(%q).System = %q, want %q", tt.text, cmd.System, tt.want)
		}
		if cmd.Skill != "" {
			t.Errorf("Route(%q) resolved skill %q, system commands must short-circuit", tt.text, cmd.Skill)
		}
	}
}

func TestRouteSystemPhraseBeatsTrigger(t *testing.T) {
	// A skill whose trigger is the literal word "status" never sees it.
	r := New(staticCatalog{
		{
			Skill:  "monitor",
			Action: skill.Action{Name: "status", Triggers: []string{"status"}},
		},
	})
	cmd, err := r.Route("status")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if cmd.System != SystemStatus {
		t.Errorf("System = %q, want %q", cmd.System, SystemStatus)
	}
	if cmd.Skill != "" {
		t.Errorf("skill trigger %q won over the built-in phrase", cmd.Skill)
	}
}

func TestRouteFirstMatchWinsAndAmbiguous(t *testing.T) {
	r := newTestRouter()

	// "listar arquivos /tmp" matches both files/list ("listar arquivos {path}")
	// and notes/list ("listar {what}"). Registration order keeps files/list.
	cmd, err := r.Route("listar arquivos /tmp")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if cmd.Skill != "files" || cmd.Action != "list" {
		t.Errorf("winner = %s/%s, want files/list (earliest registration)", cmd.Skill, cmd.Action)
	}
	if !cmd.Ambiguous {
		t.Error("Ambiguous = false, want true for a double match")
	}

	// A single match is not ambiguous.
	cmd, err = r.Route("list files /tmp")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if cmd.Ambiguous {
		t.Error("Ambiguous = true for a single match")
	}
}

func TestRouteUnresolved(t *testing.T) {
	r := newTestRouter()

	for _, text := range []string{"", "   ", "fazer algo estranho", "listar"} {
		_, err := r.Route(text)
		if !errors.Is(err, ErrUnresolved) {
			t.Errorf("Route(%q) error = %v, want ErrUnresolved", text, err)
		}
	}
}

func TestRouteMissingRequiredParam(t *testing.T) {
	r := New(staticCatalog{
		{
			Skill: "files",
			Action: skill.Action{
				Name:     "copy",
				Triggers: []string{"copiar {src} para {dst}"},
				Params: []skill.ParamSpec{
					{Name: "src", Required: true},
					{Name: "dst", Required: true},
					{Name: "mode", Required: false},
				},
			},
		},
	})

	// Both slots present resolves fine; the optional param stays absent.
	cmd, err := r.Route("copiar /a para /b")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if cmd.Params["src"] != "/a" || cmd.Params["dst"] != "/b" {
		t.Errorf("params = %v", cmd.Params)
	}
	if _, ok := cmd.Params["mode"]; ok {
		t.Error("optional param was defaulted, want absent")
	}
}

func TestRouteResolutionError(t *testing.T) {
	// The trigger names only one slot but the action requires two; the text
	// matches, the resolution fails loudly.
	r := New(staticCatalog{
		{
			Skill: "mail",
			Action: skill.Action{
				Name:     "send",
				Triggers: []string{"enviar email {to}"},
				Params: []skill.ParamSpec{
					{Name: "to", Required: true},
					{Name: "body", Required: true},
				},
			},
		},
	})

	_, err := r.Route("enviar email alice@example.com")
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("error = %v, want *ResolutionError", err)
	}
	if resErr.Param != "body" {
		t.Errorf("missing param = %q, want %q", resErr.Param, "body")
	}
	if resErr.Skill != "mail" || resErr.Action != "send" {
		t.Errorf("resolution error names %s/%s, want mail/send", resErr.Skill, resErr.Action)
	}
}

func TestCompileTriggerMalformed(t *testing.T) {
	r := New(staticCatalog{
		{
			Skill:  "bad",
			Action: skill.Action{Name: "x", Triggers: []string{"((("}},
		},
		{
			Skill:  "good",
			Action: skill.Action{Name: "echo", Triggers: []string{"eco {text}"}},
		},
	})

	// The malformed trigger matches nothing and never breaks routing.
	cmd, err := r.Route("eco hello")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if cmd.Skill != "good" {
		t.Errorf("skill = %q, want %q", cmd.Skill, "good")
	}
}

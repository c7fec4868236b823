// Package router resolves free-form command text into a (skill, action,
// parameters) triple. Matching is deliberately simple and deterministic:
// built-in system phrases first, then skill trigger patterns in registration
// order, first match wins, earliest registration breaks ties.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mfigueira/mordomo/internal/skill"
)

// SystemCommand is a built-in action recognized ahead of every skill trigger.
type SystemCommand string

const (
	SystemNone   SystemCommand = ""
	SystemStatus SystemCommand = "status"
	SystemHelp   SystemCommand = "help"
	SystemExit   SystemCommand = "exit"
)

// Command is one resolution result. Immutable once returned.
type Command struct {
	Raw       string            `json:"raw"`
	System    SystemCommand     `json:"system,omitempty"`
	Skill     string            `json:"skill,omitempty"`
	Action    string            `json:"action,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Ambiguous bool              `json:"ambiguous,omitempty"`
}

// ErrUnresolved means no trigger matched. The text is answered with feedback
// only: no task is created and nothing is audited.
var ErrUnresolved = errors.New("command text did not match any skill trigger")

// ResolutionError means a trigger matched but a required parameter was
// missing from the text. Reported to the caller; never silently defaulted.
type ResolutionError struct {
	Skill  string
	Action string
	Param  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("missing required parameter %q for %s/%s", e.Param, e.Skill, e.Action)
}

// Catalog is the read side of the skill registry the router consumes.
type Catalog interface {
	Actions() []skill.ActionRef
}

type Router struct {
	catalog Catalog

	// systemPhrases maps exact lowercase phrases to built-in commands.
	systemPhrases map[string]SystemCommand

	// compiled caches trigger regexps; the catalog is append-only so an
	// entry never goes stale.
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func New(catalog Catalog) *Router {
	return &Router{
		catalog:  catalog,
		compiled: make(map[string]*regexp.Regexp),
		systemPhrases: map[string]SystemCommand{
			"status": SystemStatus,
			"help":   SystemHelp,
			"ajuda":  SystemHelp,
			"exit":   SystemExit,
			"sair":   SystemExit,
		},
	}
}

// Route resolves raw text. Precedence: (1) exact built-in system phrase,
// (2) skill triggers in registration order, first match wins. Two triggers
// matching at equal precedence keep the earliest and flag the command
// ambiguous. No match yields ErrUnresolved.
func (r *Router) Route(raw string) (*Command, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrUnresolved
	}

	if sys, ok := r.systemPhrases[strings.ToLower(text)]; ok {
		return &Command{Raw: raw, System: sys}, nil
	}

	var (
		winner  *Command
		matches int
	)
	for _, ref := range r.catalog.Actions() {
		for _, trigger := range ref.Action.Triggers {
			re := r.trigger(trigger)
			if re == nil {
				continue
			}
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			matches++
			if winner != nil {
				// Earliest registration already won; later matches only
				// mark the command ambiguous for audit-trail tuning.
				continue
			}
			params := extractParams(re, m)
			if missing := missingParam(ref.Action, params); missing != "" {
				return nil, &ResolutionError{Skill: ref.Skill, Action: ref.Action.Name, Param: missing}
			}
			winner = &Command{
				Raw:    raw,
				Skill:  ref.Skill,
				Action: ref.Action.Name,
				Params: params,
			}
			break
		}
	}
	if winner == nil {
		return nil, ErrUnresolved
	}
	winner.Ambiguous = matches > 1
	return winner, nil
}

// trigger returns the compiled regexp for a trigger phrase, compiling and
// caching it on first sight. A malformed trigger logs nothing and matches
// nothing; the manifest validation at load time is the place to catch it.
func (r *Router) trigger(phrase string) *regexp.Regexp {
	r.mu.RLock()
	re, ok := r.compiled[phrase]
	r.mu.RUnlock()
	if ok {
		return re
	}

	re, err := compileTrigger(phrase)
	if err != nil {
		re = nil
	}
	r.mu.Lock()
	r.compiled[phrase] = re
	r.mu.Unlock()
	return re
}

var slotRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compileTrigger turns a trigger phrase like "listar arquivos {path}" into an
// anchored case-insensitive regexp with one named group per slot. A trailing
// slot consumes the rest of the line; inner slots stop at whitespace.
func compileTrigger(trigger string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?i)^`)

	rest := trigger
	for {
		loc := slotRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(literalPattern(rest))
			break
		}
		b.WriteString(literalPattern(rest[:loc[0]]))
		name := rest[loc[2]:loc[3]]
		tail := rest[loc[1]:]
		if strings.TrimSpace(tail) == "" {
			fmt.Fprintf(&b, `(?P<%s>.+)`, name)
		} else {
			fmt.Fprintf(&b, `(?P<%s>\S+)`, name)
		}
		rest = tail
	}

	b.WriteString(`$`)
	return regexp.Compile(b.String())
}

// literalPattern quotes a literal trigger fragment, collapsing runs of
// whitespace into flexible whitespace matches.
func literalPattern(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return `\s+`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = regexp.QuoteMeta(f)
	}
	out := strings.Join(quoted, `\s+`)
	if strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\t") {
		out = `\s+` + out
	}
	if strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\t") {
		out = out + `\s+`
	}
	return out
}

func extractParams(re *regexp.Regexp, match []string) map[string]string {
	params := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || i >= len(match) {
			continue
		}
		params[name] = strings.TrimSpace(match[i])
	}
	return params
}

func missingParam(a skill.Action, params map[string]string) string {
	for _, p := range a.Params {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == "" {
			return p.Name
		}
	}
	return ""
}

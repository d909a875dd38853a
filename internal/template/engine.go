// Package template renders Handlebars email templates. Besides the
// built-in blocks (if, unless, each, with) it registers the helpers
// capitalize, upper, lower, formatDate, default, pluralize and spin.
package template

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aymerick/raymond"
	"github.com/nimasrn/outreach-gateway/pkg/random"
)

// Variables is the data a template is rendered against.
type Variables map[string]any

// Document is a stored template. Only the three body parts are rendered.
type Document struct {
	Subject           string
	BodyHTML          string
	BodyText          string
	DeclaredVariables []string
}

type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

const fallbackFirstName = "there"

var possessive = regexp.MustCompile(`(?i)^(\w+)['’]s`)

type Engine struct {
	rnd random.Source
	now func() time.Time
}

type Option func(*Engine)

// WithRandom sets the source spin draws from.
func WithRandom(src random.Source) Option {
	return func(e *Engine) { e.rnd = src }
}

// WithClock sets the clock currentDate is taken from.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = random.NewTimeSeeded()
	}
	return e
}

// Render renders source with HTML escaping of substituted values.
func (e *Engine) Render(source string, vars Variables) (string, error) {
	return e.render(source, vars, true)
}

// RenderText renders source without HTML escaping, for subjects and
// plain-text bodies.
func (e *Engine) RenderText(source string, vars Variables) (string, error) {
	return e.render(source, vars, false)
}

func (e *Engine) render(source string, vars Variables, escape bool) (out string, err error) {
	// raymond reports some evaluation failures by panicking
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("template: render: %v", r)
		}
	}()

	tpl, err := raymond.Parse(source)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}
	tpl.RegisterHelpers(e.helpers(escape))

	ctx := e.augment(vars)
	if !escape {
		ctx = unescaped(ctx)
	}

	out, err = tpl.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return out, nil
}

// augment copies vars and adds currentDate and the firstName fallback.
func (e *Engine) augment(vars Variables) map[string]any {
	ctx := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		ctx[k] = v
	}
	ctx["currentDate"] = e.now().Format(dateLong)

	if isEmpty(ctx["firstName"]) {
		ctx["firstName"] = FirstNameFrom(stringOf(ctx["businessName"]))
	}
	return ctx
}

// FirstNameFrom extracts "Joe" from "Joe's Diner" and falls back to "there".
func FirstNameFrom(businessName string) string {
	if m := possessive.FindStringSubmatch(strings.TrimSpace(businessName)); m != nil {
		return m[1]
	}
	return fallbackFirstName
}

// unescaped wraps top-level strings so raymond emits them verbatim.
func unescaped(ctx map[string]any) map[string]any {
	for k, v := range ctx {
		if s, ok := v.(string); ok {
			ctx[k] = raymond.SafeString(s)
		}
	}
	return ctx
}

// ValidateTemplate compiles source without rendering it.
func (e *Engine) ValidateTemplate(source string) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ValidationResult{Valid: false, Error: fmt.Sprint(r)}
		}
	}()

	if _, err := raymond.Parse(source); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

// ValidateDocument validates every part of d and reports the first failure.
func (e *Engine) ValidateDocument(d Document) ValidationResult {
	parts := []struct{ name, src string }{
		{"subject", d.Subject},
		{"bodyHtml", d.BodyHTML},
		{"bodyText", d.BodyText},
	}
	for _, p := range parts {
		if res := e.ValidateTemplate(p.src); !res.Valid {
			res.Error = p.name + ": " + res.Error
			return res
		}
	}
	return ValidationResult{Valid: true}
}

var (
	mustache     = regexp.MustCompile(`\{\{\{?~?\s*([^{}]*?)\s*~?\}?\}\}`)
	argTokens    = regexp.MustCompile(`"[^"]*"|'[^']*'|\S+`)
	blockKeyword = map[string]bool{"if": true, "unless": true, "each": true, "with": true, "else": true}
	literal      = regexp.MustCompile(`^(-?\d+(\.\d+)?|true|false|null|undefined)$`)
)

// ExtractVariables lists the top-level variable names source references,
// in first-seen order. Block tags are skipped; a helper call contributes its
// path arguments; a dotted path contributes its first segment.
func (e *Engine) ExtractVariables(source string) []string {
	seen := make(map[string]bool)
	var names []string

	add := func(tok string) {
		if tok == "" || tok == "this" || tok == "." || strings.HasPrefix(tok, "@") ||
			strings.HasPrefix(tok, "../") || strings.ContainsAny(tok[:1], `"'(`) ||
			strings.Contains(tok, "=") || literal.MatchString(tok) {
			return
		}
		root := strings.SplitN(strings.TrimPrefix(tok, "this."), ".", 2)[0]
		if root == "" || blockKeyword[root] || seen[root] {
			return
		}
		seen[root] = true
		names = append(names, root)
	}

	for _, m := range mustache.FindAllStringSubmatch(source, -1) {
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		switch body[0] {
		case '#', '/', '^', '!', '>':
			continue
		case '&':
			body = strings.TrimSpace(body[1:])
		}

		toks := argTokens.FindAllString(body, -1)
		if len(toks) == 0 || blockKeyword[toks[0]] {
			continue
		}
		if _, ok := helperNames[toks[0]]; ok || len(toks) > 1 {
			for _, tok := range toks[1:] {
				add(tok)
			}
			continue
		}
		add(toks[0])
	}
	return names
}

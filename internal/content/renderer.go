// Package content merges subscriber variables into sequence step templates.
// Templates use Liquid output tags ({{first_name}}, {{ unsubscribe_url }}).
package content

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/osteele/liquid"
)

// UnsubscribeVar is the placeholder the renderer fills with a signed link
// when the caller does not supply one.
const UnsubscribeVar = "unsubscribe_url"

// Template is a step's subject and body. Key identifies it in log output.
type Template struct {
	Key     string
	Subject string
	Body    string
}

// Message is a rendered template. Missing lists referenced variables that had
// no value and rendered empty.
type Message struct {
	Subject string
	HTML    string
	Missing []string
}

// Renderer renders templates with a cache of parsed Liquid templates.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template
	links  *UnsubscribeLinker
}

// NewRenderer returns a Renderer. links may be nil, in which case
// unsubscribe_url renders empty unless supplied by the caller.
func NewRenderer(links *UnsubscribeLinker) *Renderer {
	engine := liquid.NewEngine()
	// {{ first_name | default: "there" }} also covers whitespace-only values.
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil || strings.TrimSpace(fmt.Sprintf("%v", value)) == "" {
			return fallback
		}
		return value
	})
	return &Renderer{engine: engine, links: links}
}

// Render substitutes vars into tpl. Placeholders without a value render as
// empty strings and are logged once each; they never fail the render. A
// Liquid syntax error is returned.
func (r *Renderer) Render(tpl Template, vars map[string]string) (Message, error) {
	bindings := make(map[string]interface{}, len(vars)+1)
	for k, v := range vars {
		bindings[k] = v
	}
	if _, ok := bindings[UnsubscribeVar]; !ok && r.links != nil && references(tpl, UnsubscribeVar) {
		bindings[UnsubscribeVar] = r.links.URL(vars["email"])
	}

	subject, err := r.render(tpl.Subject, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("render subject of %s: %w", tpl.Key, err)
	}
	body, err := r.render(tpl.Body, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("render body of %s: %w", tpl.Key, err)
	}

	missing := missingVariables(tpl, bindings)
	for _, key := range missing {
		logger.Warn("[Renderer] missing template variable", "template", tpl.Key, "key", key)
	}
	return Message{Subject: subject, HTML: body, Missing: missing}, nil
}

func (r *Renderer) render(src string, bindings map[string]interface{}) (string, error) {
	if !strings.Contains(src, "{") {
		return src, nil
	}
	var parsed *liquid.Template
	if cached, ok := r.cache.Load(src); ok {
		parsed = cached.(*liquid.Template)
	} else {
		t, err := r.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		r.cache.Store(src, t)
		parsed = t
	}
	out, err := parsed.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

// outputTag captures the variable of an output tag and any filter chain.
var outputTag = regexp.MustCompile(`\{\{-?\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*((?:\|[^}]*)?)-?\}\}`)

func references(tpl Template, name string) bool {
	for _, src := range []string{tpl.Subject, tpl.Body} {
		for _, m := range outputTag.FindAllStringSubmatch(src, -1) {
			if rootName(m[1]) == name {
				return true
			}
		}
	}
	return false
}

// missingVariables lists referenced variables with no binding or an empty
// one. Tags with a default filter are not reported.
func missingVariables(tpl Template, bindings map[string]interface{}) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, src := range []string{tpl.Subject, tpl.Body} {
		for _, m := range outputTag.FindAllStringSubmatch(src, -1) {
			name := rootName(m[1])
			if seen[name] || isLiquidKeyword(name) || strings.Contains(m[2], "default") {
				continue
			}
			seen[name] = true
			if v, ok := bindings[name]; !ok || v == "" {
				missing = append(missing, name)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func rootName(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func isLiquidKeyword(s string) bool {
	switch s {
	case "true", "false", "nil", "null", "empty", "blank", "forloop":
		return true
	}
	return false
}

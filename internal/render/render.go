// Package render fills Handlebars templates from an event payload.
//
// {{path}} output is HTML-escaped and {{{path}}} is emitted raw, as in
// Handlebars. A missing or null value renders as an empty string.
package render

import (
	"sync"

	"github.com/aymerick/raymond"
)

// compiled caches parsed templates by source text. Templates come from a
// small, fixed set of event mappings.
var compiled sync.Map // string -> *raymond.Template

// Render executes tmpl against data. A template that fails to parse or
// execute is returned unchanged.
func Render(tmpl string, data map[string]any) string {
	if tmpl == "" {
		return ""
	}
	t, err := Compile(tmpl)
	if err != nil {
		return tmpl
	}
	out, err := t.Exec(data)
	if err != nil {
		return tmpl
	}
	return out
}

// Compile parses tmpl, reusing an earlier parse of the same source.
func Compile(tmpl string) (*raymond.Template, error) {
	if t, ok := compiled.Load(tmpl); ok {
		return t.(*raymond.Template), nil
	}
	t, err := raymond.Parse(tmpl)
	if err != nil {
		return nil, err
	}
	actual, _ := compiled.LoadOrStore(tmpl, t)
	return actual.(*raymond.Template), nil
}

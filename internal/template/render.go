// Package template renders notification templates with {{variable}}
// interpolation. It is pure: no store access, no side effects.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"notifyd/internal/notification"
)

// varPattern matches {{variable}} placeholders, tolerant of internal
// whitespace: {{ name }}, {{name}}, ...
var varPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// RenderError reports a failed render, carrying every missing variable name
// so the caller can supply them all at once.
type RenderError struct {
	TemplateName     string
	MissingVariables []string
}

func (e *RenderError) Error() string {
	if len(e.MissingVariables) == 0 {
		return fmt.Sprintf("template %q: render failed", e.TemplateName)
	}
	return fmt.Sprintf("template %q: missing required variables: %s",
		e.TemplateName, strings.Join(e.MissingVariables, ", "))
}

// Options controls rendering behavior.
type Options struct {
	// ValidateRequired checks declared required variables before
	// interpolation and fails listing all missing names.
	ValidateRequired bool
	// Strict fails on any placeholder without a value instead of
	// substituting the empty string.
	Strict bool
}

// DefaultOptions validates required variables and leaves strict mode off.
func DefaultOptions() Options { return Options{ValidateRequired: true} }

// ExtractVariables returns the de-duplicated placeholder names found in text,
// in first-appearance order.
func ExtractVariables(text string) []string {
	matches := varPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// ValidateVariables returns the names of declared required variables whose
// provided value is absent, nil, or the empty string.
func ValidateVariables(declared []notification.TemplateVariable, provided map[string]any) []string {
	var missing []string
	for _, v := range declared {
		if !v.Required {
			continue
		}
		value, ok := provided[v.Name]
		if !ok || value == nil || value == "" {
			missing = append(missing, v.Name)
		}
	}
	return missing
}

// Interpolate substitutes placeholders in text with values from variables.
// Missing values become the empty string unless strict is set, in which case
// a RenderError listing the missing names is returned.
func Interpolate(text string, variables map[string]any, strict bool) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok || value == nil {
			missing = append(missing, name)
			return ""
		}
		return formatValue(value)
	})
	if strict && len(missing) > 0 {
		return "", &RenderError{TemplateName: "unknown", MissingVariables: missing}
	}
	return out, nil
}

// Render renders a template's subject, body, and HTML with the provided
// variables.
//
// Before interpolation, variables are auto-formatted: a variable declared with
// an explicit Kind is formatted per that kind; otherwise, by convention, a
// numeric value whose name contains "amount" is formatted as a grouped
// decimal, and an ISO date string whose name contains "date" as a long date.
// The name heuristic is intentional convention-over-configuration; declare a
// Kind to opt out.
func Render(tmpl *notification.Template, variables map[string]any, opts Options) (notification.RenderResult, error) {
	if opts.ValidateRequired {
		if missing := ValidateVariables(tmpl.Variables, variables); len(missing) > 0 {
			return notification.RenderResult{}, &RenderError{TemplateName: tmpl.Name, MissingVariables: missing}
		}
	}

	processed := preprocess(tmpl, variables)

	var (
		out notification.RenderResult
		err error
	)
	if tmpl.Subject != "" {
		out.Subject, err = Interpolate(tmpl.Subject, processed, opts.Strict)
		if err != nil {
			return notification.RenderResult{}, renderErrFor(tmpl, err)
		}
	}
	out.Body, err = Interpolate(tmpl.Body, processed, opts.Strict)
	if err != nil {
		return notification.RenderResult{}, renderErrFor(tmpl, err)
	}
	if tmpl.HTML != "" {
		out.HTML, err = Interpolate(tmpl.HTML, processed, opts.Strict)
		if err != nil {
			return notification.RenderResult{}, renderErrFor(tmpl, err)
		}
	}
	return out, nil
}

func renderErrFor(tmpl *notification.Template, err error) error {
	if re, ok := err.(*RenderError); ok {
		re.TemplateName = tmpl.Name
		return re
	}
	return err
}

// preprocess applies declared-kind and name-heuristic formatting, returning a
// new map; the caller's variables are never mutated.
func preprocess(tmpl *notification.Template, variables map[string]any) map[string]any {
	kinds := make(map[string]notification.VariableKind, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		if v.Kind != "" {
			kinds[v.Name] = v.Kind
		}
	}

	out := make(map[string]any, len(variables))
	for name, value := range variables {
		out[name] = value

		kind, declared := kinds[name]
		if !declared {
			switch {
			case strings.Contains(name, "amount"):
				kind = notification.KindAmount
			case strings.Contains(name, "date"):
				kind = notification.KindDate
			default:
				continue
			}
		}

		switch kind {
		case notification.KindAmount:
			if f, ok := asNumber(value); ok {
				out[name] = FormatAmount(f)
			}
		case notification.KindDate:
			if s, ok := value.(string); ok {
				if formatted, ok := FormatDate(s); ok {
					out[name] = formatted
				}
			}
		}
	}
	return out
}

// Analysis describes declared vs. used variables of a template. Template
// authoring tooling uses this; the send path does not.
type Analysis struct {
	Declared   []notification.TemplateVariable
	Used       []string
	Undeclared []string
	Unused     []string
}

// Analyze reports which variables a template declares, uses, uses without
// declaring, and declares without using.
func Analyze(tmpl *notification.Template) Analysis {
	seen := map[string]struct{}{}
	var used []string
	for _, text := range []string{tmpl.Subject, tmpl.Body, tmpl.HTML} {
		for _, name := range ExtractVariables(text) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			used = append(used, name)
		}
	}

	declared := map[string]struct{}{}
	for _, v := range tmpl.Variables {
		declared[v.Name] = struct{}{}
	}

	var undeclared []string
	for _, name := range used {
		if _, ok := declared[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	var unused []string
	for _, v := range tmpl.Variables {
		if _, ok := seen[v.Name]; !ok {
			unused = append(unused, v.Name)
		}
	}

	return Analysis{
		Declared:   tmpl.Variables,
		Used:       used,
		Undeclared: undeclared,
		Unused:     unused,
	}
}

// TruncatePreview shortens body for history storage (default cap 500 chars).
func TruncatePreview(body string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 500
	}
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen-3] + "..."
}

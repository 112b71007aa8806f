package template

import (
	"strings"

	"notifyd/internal/notification"
)

// Preview renders a template with synthesized sample values, validation
// disabled. Convenience for template-authoring tooling only.
func Preview(tmpl *notification.Template) (notification.RenderResult, error) {
	samples := make(map[string]any, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		samples[v.Name] = sampleValue(v.Name)
	}
	return Render(tmpl, samples, Options{})
}

// sampleValue picks a plausible placeholder by name.
func sampleValue(name string) string {
	switch {
	case strings.Contains(name, "name"):
		return "John Doe"
	case strings.Contains(name, "email"):
		return "john.doe@example.com"
	case strings.Contains(name, "amount"):
		return "150,000.00"
	case strings.Contains(name, "date"):
		return "January 15, 2025"
	case strings.Contains(name, "address"), strings.Contains(name, "house"):
		return "12 Palm Avenue"
	case strings.Contains(name, "code"), strings.Contains(name, "number"):
		return "INV-2025-001234"
	case strings.Contains(name, "estate"):
		return "Palm Grove Estate"
	default:
		return "[" + name + "]"
	}
}

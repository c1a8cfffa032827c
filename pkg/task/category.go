// Package task derives a coarse task category from request text.
package task

import "strings"

// Category is a coarse classification of a request's intent.
type Category string

const (
	Coding    Category = "coding"
	Analysis  Category = "analysis"
	General   Category = "general"
	Unlimited Category = "unlimited"
)

// Known reports whether c is one of the built-in categories.
func (c Category) Known() bool {
	switch c {
	case Coding, Analysis, General, Unlimited:
		return true
	}
	return false
}

// ParseCategory normalises a caller-supplied hint. Common synonyms used by
// callers of the original tool surface ("code", "math", "stats") are accepted.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coding", "code", "programming":
		return Coding, true
	case "analysis", "analytical", "math", "statistics", "stats":
		return Analysis, true
	case "general", "default":
		return General, true
	case "unlimited", "unlimited-context", "large":
		return Unlimited, true
	}
	return "", false
}

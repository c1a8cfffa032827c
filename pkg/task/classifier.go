package task

import (
	"fmt"
	"regexp"
	"strings"
)

// Classifier maps request text and an optional hint to a Category.
type Classifier interface {
	Classify(text, hint string) Result
}

// Result is the outcome of a classification.
type Result struct {
	Category   Category
	Confidence float64
	Matched    []string
	Reason     string
}

// Rule maps trigger words and patterns to a category. Rules are evaluated
// in declaration order and the first rule with any match wins.
type Rule struct {
	Category Category
	Triggers []string
	Patterns []string
}

type compiledRule struct {
	category Category
	triggers []string
	patterns []*regexp.Regexp
}

// KeywordClassifier implements Classifier with ordered keyword/pattern rules.
type KeywordClassifier struct {
	rules []compiledRule
}

const (
	hintConfidence    = 1.0
	matchConfidence   = 0.8
	extraTriggerBonus = 0.05
	maxMatchConf      = 0.95
	defaultConfidence = 0.5
)

// NewKeywordClassifier compiles the rules. An invalid pattern is an error.
func NewKeywordClassifier(rules []Rule) (*KeywordClassifier, error) {
	kc := &KeywordClassifier{}
	for i, r := range rules {
		cr := compiledRule{category: r.Category}
		for _, trig := range r.Triggers {
			trig = strings.ToLower(strings.TrimSpace(trig))
			if trig != "" {
				cr.triggers = append(cr.triggers, trig)
			}
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): pattern %q: %w", i, r.Category, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		kc.rules = append(kc.rules, cr)
	}
	return kc, nil
}

// DefaultRules returns the built-in rule set: coding first, then analysis.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: Coding,
			Triggers: []string{
				"function", "class", "method", "code", "implement", "refactor", "debug",
				"bug", "compile", "compiler", "python", "javascript", "typescript", "golang",
				"rust", "java", "sql", "api", "script", "unit test", "stack trace",
				"syntax", "regex",
			},
			Patterns: []string{
				"```",
				`(?m)^\s*(def|func|fn|class|import|package|#include)\s`,
				`\w+\(\)`,
			},
		},
		{
			Category: Analysis,
			Triggers: []string{
				"analyze", "analyse", "analysis", "statistics", "statistical", "calculate",
				"math", "equation", "probability", "regression", "correlation", "variance",
				"mean", "median", "distribution", "hypothesis", "dataset", "trend",
				"forecast", "compare", "evaluate",
			},
			Patterns: []string{
				`\d+\s*[\+\-\*/^]\s*\d+`,
				`\bp\s*[<=>]\s*0?\.\d+`,
			},
		},
	}
}

// Classify returns the hint when it is recognised, otherwise the first
// matching rule's category, otherwise General.
func (kc *KeywordClassifier) Classify(text, hint string) Result {
	if hint != "" {
		if cat, ok := ParseCategory(hint); ok {
			return Result{
				Category:   cat,
				Confidence: hintConfidence,
				Reason:     fmt.Sprintf("caller hint %q", hint),
			}
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range kc.rules {
		var matched []string
		for _, trig := range rule.triggers {
			if containsTrigger(lower, trig) {
				matched = append(matched, trig)
			}
		}
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				matched = append(matched, re.String())
			}
		}
		if len(matched) == 0 {
			continue
		}
		conf := min(matchConfidence+extraTriggerBonus*float64(len(matched)-1), maxMatchConf)
		return Result{
			Category:   rule.category,
			Confidence: conf,
			Matched:    matched,
			Reason:     fmt.Sprintf("matched %d %s trigger(s)", len(matched), rule.category),
		}
	}

	return Result{
		Category:   General,
		Confidence: defaultConfidence,
		Reason:     "no triggers matched; using general",
	}
}

// containsTrigger checks if the prompt contains the trigger phrase on word
// boundaries. Both arguments are expected in lower case.
func containsTrigger(prompt, trigger string) bool {
	offset := 0
	for {
		idx := strings.Index(prompt[offset:], trigger)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(trigger)

		before := start == 0 || !isWordChar(prompt[start-1])
		after := end >= len(prompt) || !isWordChar(prompt[end])
		if before && after {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// Package moderation screens message content before it is stored. A Filter
// blocks configured terms and flooding; it never rewrites text.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in a blocking Result.
const (
	ReasonBlockedTerm = "blocked_term"
	ReasonFlood       = "flood"
)

// Result is the outcome of one check. Term names the matched term or the
// flood kind.
type Result struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter is safe for concurrent use once built.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter for terms. Single words match whole tokens;
// multi-word terms match consecutive tokens.
func NewFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenize(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// Check screens text. Blocked terms are reported before flooding.
func (f *Filter) Check(text string) Result {
	tokens := tokenize(text)
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return Result{Blocked: true, Reason: ReasonBlockedTerm, Term: tok}
		}
	}
	if len(f.phrases) > 0 {
		joined := " " + strings.Join(tokens, " ") + " "
		for _, p := range f.phrases {
			if strings.Contains(joined, " "+p+" ") {
				return Result{Blocked: true, Reason: ReasonBlockedTerm, Term: p}
			}
		}
	}
	return checkFlood(text, tokens)
}

// tokenize lowercases text and splits it on anything but letters and digits.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

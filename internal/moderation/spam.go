package moderation

import "strings"

const (
	charFloodRun = 8 // identical consecutive characters
	wordFloodRun = 4 // identical consecutive words
)

type floodCheck struct {
	name  string
	match func(text string, tokens []string) bool
}

// First match wins.
var floodChecks = []floodCheck{
	{name: "char_flood", match: func(text string, _ []string) bool { return hasCharRun(text, charFloodRun) }},
	{name: "word_flood", match: func(_ string, tokens []string) bool { return hasWordRun(tokens, wordFloodRun) }},
}

func checkFlood(text string, tokens []string) Result {
	for _, fc := range floodChecks {
		if fc.match(text, tokens) {
			return Result{Blocked: true, Reason: ReasonFlood, Term: fc.name}
		}
	}
	return Result{}
}

// hasCharRun reports whether text repeats one non-space rune n times in a
// row. RE2 has no backreferences, so this is a linear scan.
func hasCharRun(text string, n int) bool {
	run, prev := 0, rune(-1)
	for _, r := range text {
		if r == prev && r != ' ' {
			run++
		} else {
			run, prev = 1, r
		}
		if run >= n {
			return true
		}
	}
	return false
}

func hasWordRun(tokens []string, n int) bool {
	if len(tokens) < n {
		return false
	}
	run := 1
	for i := 1; i < len(tokens); i++ {
		if strings.EqualFold(tokens[i], tokens[i-1]) {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

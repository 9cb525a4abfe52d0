// Package moderation scores reported chat transcripts and decides when a
// report earns a strike. The abuse heuristic itself is pluggable; the default
// implementation combines a profanity term list with spam-pattern checks.
package moderation

import (
	"strings"
	"unicode"
)

// Checker is the abuse heuristic applied to each piece of evidence. A
// replacement implementation (an external classifier, for instance) only
// needs to answer whether a single message is abusive.
type Checker interface {
	IsAbusive(text string) bool
}

// defaultTerms is the built-in profanity blocklist. Matching is
// case-insensitive on whole words, so "assist" does not trip "ass".
var defaultTerms = []string{
	"asshole", "bastard", "bitch", "cunt", "dick", "faggot",
	"fuck", "fucker", "fucking", "motherfucker", "nigger",
	"prick", "pussy", "shit", "slut", "twat", "whore",
}

// Filter is the default Checker: a term blocklist plus the spam-pattern
// checks in spam.go. Safe for concurrent use; all state is read-only after
// construction.
type Filter struct {
	terms map[string]bool
}

// NewFilter returns a Filter with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter using only the given terms. Passing nil
// disables the term check, leaving just the pattern checks.
func NewFilterWithTerms(terms []string) *Filter {
	m := make(map[string]bool, len(terms))
	for _, t := range terms {
		m[strings.ToLower(t)] = true
	}
	return &Filter{terms: m}
}

// IsAbusive implements Checker.
func (f *Filter) IsAbusive(text string) bool {
	return f.Check(text).Blocked
}

// FilterResult describes the outcome of checking one message.
type FilterResult struct {
	Blocked bool
	Reason  string // "profanity" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// Check runs the term blocklist and the spam-pattern checks against text.
// The first match wins.
func (f *Filter) Check(text string) FilterResult {
	if term := f.matchTerm(text); term != "" {
		return FilterResult{Blocked: true, Reason: "profanity", Term: term}
	}
	return f.checkSpamPatterns(text)
}

// matchTerm returns the first blocklisted term found as a whole word in
// text, or "" if none match.
func (f *Filter) matchTerm(text string) string {
	if len(f.terms) == 0 {
		return ""
	}

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		lower := strings.ToLower(w)
		if f.terms[lower] {
			return lower
		}
	}
	return ""
}

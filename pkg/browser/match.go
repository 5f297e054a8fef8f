package browser

import "strings"

// OptionItem is one entry scraped from a <select> element.
type OptionItem struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// BestMatchingOption scores each option against the desired text/value and
// returns the index of the best match, or -1 when nothing scores above
// zero. Matching is case-insensitive, punctuation- and space-normalized,
// and accepts substring containment in both directions, so "siam tours"
// matches "Siam Tours Co., Ltd." and vice versa.
//
// Kept as a pure function so the heuristic is testable without a browser.
func BestMatchingOption(options []OptionItem, target string) int {
	normTarget := normalizeOption(target)
	if normTarget == "" {
		return -1
	}

	best := -1
	bestScore := 0
	for i, opt := range options {
		score := scoreOption(opt, normTarget)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

// FirstNonEmptyOption returns the index of the first option with a
// non-empty value (skipping "please select" placeholders), or -1.
func FirstNonEmptyOption(options []OptionItem) int {
	for i, opt := range options {
		if strings.TrimSpace(opt.Value) != "" {
			return i
		}
	}
	return -1
}

func scoreOption(opt OptionItem, normTarget string) int {
	text := normalizeOption(opt.Text)
	value := normalizeOption(opt.Value)

	switch {
	case text == normTarget || value == normTarget:
		return 100
	case text != "" && strings.Contains(text, normTarget):
		return 60 + lengthAffinity(normTarget, text)
	case value != "" && strings.Contains(value, normTarget):
		return 55 + lengthAffinity(normTarget, value)
	case text != "" && strings.Contains(normTarget, text):
		return 40 + lengthAffinity(text, normTarget)
	case value != "" && strings.Contains(normTarget, value):
		return 35 + lengthAffinity(value, normTarget)
	}
	return 0
}

// lengthAffinity rewards matches where the contained string covers more of
// the container, so "TG5501" prefers option "TG5501" over "TG5501-EXTRA-LONG".
func lengthAffinity(contained, container string) int {
	if len(container) == 0 {
		return 0
	}
	return (len(contained) * 30) / len(container)
}

// normalizeOption lowercases and strips punctuation and whitespace so
// cosmetic differences do not defeat the match.
func normalizeOption(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r > 127 {
			// Keep non-ASCII letters (Thai option labels) intact.
			b.WriteRune(r)
		}
	}
	return b.String()
}

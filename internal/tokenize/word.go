package tokenize

import (
	"strings"
	"unicode"
)

// BasicWordTokenizer splits on whitespace, optionally stripping punctuation.
type BasicWordTokenizer struct {
	ignorePunctuation bool
}

func NewWordTokenizer(ignorePunctuation bool) *BasicWordTokenizer {
	return &BasicWordTokenizer{ignorePunctuation: ignorePunctuation}
}

func (t *BasicWordTokenizer) Tokenize(text string) []string {
	fields := strings.Fields(text)
	if !t.ignorePunctuation {
		return fields
	}
	words := fields[:0]
	for _, f := range fields {
		if w := strings.TrimFunc(f, unicode.IsPunct); w != "" {
			words = append(words, w)
		}
	}
	return words
}

// Hyphenate splits a word into approximate syllables by vowel groups. A
// consonant cluster between two vowel groups is split before its last
// consonant ("hel-lo", "ho-tel"). It always returns at least one part.
func Hyphenate(word string) []string {
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	var parts []string
	start, i, n := 0, 0, len(runes)
	for {
		for i < n && !isVowel(runes[i]) {
			i++
		}
		if i >= n {
			break
		}
		for i < n && isVowel(runes[i]) {
			i++
		}
		j := i
		for j < n && !isVowel(runes[j]) {
			j++
		}
		if j >= n {
			break
		}
		cut := i
		if j-i > 1 {
			cut = j - 1
		}
		parts = append(parts, string(runes[start:cut]))
		start, i = cut, cut
	}
	return append(parts, string(runes[start:]))
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

// Package tokenize splits text into the units used to pace speech and
// transcripts: sentences, words and hyphenated syllables.
package tokenize

// SentenceTokenizer splits text into sentences. Returned sentences are
// trimmed substrings of the input, in order.
type SentenceTokenizer interface {
	Tokenize(text string) []string
}

// WordTokenizer splits a sentence into words.
type WordTokenizer interface {
	Tokenize(text string) []string
}

// HyphenateFunc splits a word into syllables.
type HyphenateFunc func(word string) []string

package tokenize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinSentenceLength merges short sentences into the following one so
// backends are not asked to synthesize a lone "Hi."
const DefaultMinSentenceLength = 20

// BasicSentenceTokenizer detects sentence boundaries on terminal punctuation
// followed by whitespace and an upper-case letter or digit.
type BasicSentenceTokenizer struct {
	minLength     int
	abbreviations map[string]bool
}

type SentenceOption func(*BasicSentenceTokenizer)

// WithMinLength sets the minimum length a sentence must reach before a
// boundary is accepted. Zero disables merging.
func WithMinLength(n int) SentenceOption {
	return func(t *BasicSentenceTokenizer) { t.minLength = n }
}

func NewSentenceTokenizer(opts ...SentenceOption) *BasicSentenceTokenizer {
	t := &BasicSentenceTokenizer{
		minLength:     DefaultMinSentenceLength,
		abbreviations: defaultAbbreviations(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *BasicSentenceTokenizer) Tokenize(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if end, ok := t.boundary(text, i, r); ok {
			candidate := strings.TrimSpace(text[start:end])
			if candidate != "" && len(candidate) >= t.minLength {
				sentences = append(sentences, candidate)
				start = end
			}
			i = end
			continue
		}
		i += size
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// boundary reports whether the terminal punctuation at pos ends a sentence,
// returning the offset just past the sentence (closing quotes included).
func (t *BasicSentenceTokenizer) boundary(text string, pos int, r rune) (int, bool) {
	if r != '.' && r != '!' && r != '?' {
		return 0, false
	}
	if r == '.' && t.isAbbreviation(text, pos) {
		return 0, false
	}
	end := pos + 1
	for end < len(text) && strings.ContainsRune(`.!?"')]`, rune(text[end])) {
		end++
	}
	next := end
	if next >= len(text) {
		return 0, false
	}
	nr, _ := utf8.DecodeRuneInString(text[next:])
	if !unicode.IsSpace(nr) {
		return 0, false
	}
	for next < len(text) {
		nr, size := utf8.DecodeRuneInString(text[next:])
		if !unicode.IsSpace(nr) {
			return end, unicode.IsUpper(nr) || unicode.IsDigit(nr) || unicode.IsPunct(nr)
		}
		next += size
	}
	return 0, false
}

func (t *BasicSentenceTokenizer) isAbbreviation(text string, pos int) bool {
	begin := pos
	for begin > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:begin])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		begin -= size
	}
	word := strings.ToLower(strings.TrimSuffix(text[begin:pos], "."))
	if word == "" {
		return false
	}
	if t.abbreviations[word] {
		return true
	}
	// Single letters are initials, as in "J. Smith".
	return utf8.RuneCountInString(word) == 1
}

func defaultAbbreviations() map[string]bool {
	words := []string{
		"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st", "vs", "etc",
		"e.g", "i.e", "inc", "ltd", "co", "corp", "no", "approx", "dept",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

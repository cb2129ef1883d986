package tokenize

import (
	"reflect"
	"testing"
)

func TestSentenceTokenizer(t *testing.T) {
	tok := NewSentenceTokenizer(WithMinLength(0))
	got := tok.Tokenize(`Hello there. Dr. Smith said "go!" Then 3.14 was printed... Done`)
	want := []string{"Hello there.", `Dr. Smith said "go!"`, "Then 3.14 was printed...", "Done"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected sentences:\n got %q\nwant %q", got, want)
	}
}

func TestSentenceTokenizerMergesShortSentences(t *testing.T) {
	tok := NewSentenceTokenizer()
	got := tok.Tokenize("Hi. This sentence is long enough. Ok.")
	want := []string{"Hi. This sentence is long enough.", "Ok."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected sentences: %q", got)
	}
}

func TestSentenceTokenizerReturnsSubstrings(t *testing.T) {
	text := "  First one here!   Second one follows?  "
	for _, s := range NewSentenceTokenizer(WithMinLength(0)).Tokenize(text) {
		if !contains(text, s) {
			t.Fatalf("%q is not a substring of the input", s)
		}
	}
}

func TestWordTokenizer(t *testing.T) {
	words := NewWordTokenizer(true).Tokenize("Hello, brave  new world!")
	want := []string{"Hello", "brave", "new", "world"}
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("unexpected words: %q", words)
	}
	if got := NewWordTokenizer(false).Tokenize("a, b"); !reflect.DeepEqual(got, []string{"a,", "b"}) {
		t.Fatalf("unexpected words: %q", got)
	}
}

func TestHyphenate(t *testing.T) {
	cases := map[string][]string{
		"hello":      {"hel", "lo"},
		"hotel":      {"ho", "tel"},
		"transcript": {"transc", "ript"},
		"a":          {"a"},
		"rhythm":     {"rhythm"},
	}
	for word, want := range cases {
		if got := Hyphenate(word); !reflect.DeepEqual(got, want) {
			t.Fatalf("Hyphenate(%q) = %q, want %q", word, got, want)
		}
	}
	if Hyphenate("") != nil {
		t.Fatalf("empty word should have no syllables")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

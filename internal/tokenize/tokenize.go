// Package tokenize splits incrementally arriving text into sentences that
// are ready for speech synthesis.
package tokenize

import (
	"strings"
	"unicode"
)

// SentenceTokenizer extracts complete sentences from a text buffer. The
// remainder is the unterminated tail that must be kept for the next call.
type SentenceTokenizer interface {
	Split(text string) (sentences []string, remainder string)
	// Flush turns a final remainder into a last sentence. ok is false when
	// the remainder holds nothing worth speaking.
	Flush(remainder string) (sentence string, ok bool)
}

var _ SentenceTokenizer = (*Basic)(nil)

// Basic is a punctuation driven tokenizer. A sentence ends after a run of
// delimiter runes, including any closing quotes or brackets that follow.
type Basic struct {
	delimiters map[rune]struct{}
}

// NewBasic returns a tokenizer that treats every rune of delimiters as a
// sentence terminator.
func NewBasic(delimiters string) *Basic {
	set := make(map[rune]struct{}, len(delimiters))
	for _, r := range delimiters {
		set[r] = struct{}{}
	}
	return &Basic{delimiters: set}
}

func (b *Basic) Split(text string) ([]string, string) {
	rs := []rune(text)
	var sentences []string
	start := skipDangling(rs, 0)

scan:
	for i := start; i < len(rs); i++ {
		r := rs[i]
		if !b.isDelimiter(r) {
			continue
		}
		if isNumericSeparator(r) && i > 0 && unicode.IsDigit(rs[i-1]) {
			switch {
			case i == len(rs)-1:
				// 9. may still become 9.5
				break scan
			case unicode.IsDigit(rs[i+1]):
				continue
			}
		}
		end := i + 1
		for end < len(rs) && (b.isDelimiter(rs[end]) || isCloser(rs[end])) {
			end++
		}
		if s := strings.TrimSpace(string(rs[start:end])); b.hasContent(s) {
			sentences = append(sentences, s)
		}
		start = skipDangling(rs, end)
		i = start - 1
	}
	return sentences, string(rs[start:])
}

func (b *Basic) Flush(remainder string) (string, bool) {
	rs := []rune(remainder)
	s := strings.TrimSpace(string(rs[skipDangling(rs, 0):]))
	return s, b.hasContent(s)
}

// skipDangling steps over closers left behind by the previous boundary, as
// when a closing quote arrives in its own fragment. A closer attached to the
// next word may be an opening quote and is kept, as is one at the end of the
// text, which is still ambiguous.
func skipDangling(rs []rune, start int) int {
	j := start
	for j < len(rs) && unicode.IsSpace(rs[j]) {
		j++
	}
	k := j
	for k < len(rs) && isCloser(rs[k]) {
		k++
	}
	if k > j && k < len(rs) && unicode.IsSpace(rs[k]) {
		return k
	}
	return start
}

func (b *Basic) isDelimiter(r rune) bool {
	_, ok := b.delimiters[r]
	return ok
}

// hasContent reports whether s holds anything besides punctuation, so a
// boundary with nothing before it never becomes a sentence.
func (b *Basic) hasContent(s string) bool {
	for _, r := range s {
		if !b.isDelimiter(r) && !isCloser(r) && !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

func isNumericSeparator(r rune) bool {
	switch r {
	case '.', ',', ':', '：':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»', '」', '』', '）':
		return true
	}
	return false
}

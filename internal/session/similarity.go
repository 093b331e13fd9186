package session

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"if": true, "of": true, "to": true, "in": true, "on": true, "at": true,
	"for": true, "with": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "am": true, "i": true, "we": true, "you": true,
	"they": true, "it": true, "this": true, "that": true, "these": true,
	"those": true, "our": true, "your": true, "my": true, "me": true, "us": true,
	"them": true, "there": true, "here": true, "so": true, "just": true,
	"really": true, "very": true, "do": true, "does": true, "did": true,
	"can": true, "could": true, "would": true, "should": true, "will": true,
	"have": true, "has": true, "had": true, "what": true, "bit": true,
}

// tokens returns the set of content words in text: lowercased, split on
// anything that is not a letter or digit, possessive/contraction suffixes
// dropped, stopwords removed.
func tokens(text string) map[string]struct{} {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if i := strings.IndexByte(f, '\''); i >= 0 {
			f = f[:i]
		}
		if f == "" || stopwords[f] {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// Similarity is the Jaccard overlap of the content words of a and b, in
// [0, 1]. Texts without content words are similar only when their
// normalized forms are equal.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		if strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " ")) {
			return 1
		}
		return 0
	}
	inter := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

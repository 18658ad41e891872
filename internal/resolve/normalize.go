package resolve

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer turns free-form product names into comparable keys.
type Normalizer struct {
	stopwords map[string]struct{}
}

// NewNormalizer creates a Normalizer that drops the given stopwords.
// Stopwords are folded the same way names are.
func NewNormalizer(stopwords []string) *Normalizer {
	n := &Normalizer{stopwords: make(map[string]struct{}, len(stopwords))}
	for _, w := range stopwords {
		for _, tok := range tokens(fold(w)) {
			n.stopwords[tok] = struct{}{}
		}
	}
	return n
}

// fold strips diacritics and case-folds s. A fresh transformer is built per
// call since cases.Caser keeps state.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// tokens splits on anything that is not a letter or digit.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Tokens returns the folded, punctuation-free tokens of name with stopwords
// removed. A name made only of stopwords keeps all its tokens.
func (n *Normalizer) Tokens(name string) []string {
	all := tokens(fold(name))
	kept := make([]string, 0, len(all))
	for _, tok := range all {
		if _, stop := n.stopwords[tok]; !stop {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return all
	}
	return kept
}

// Normalize returns the cleaned name with tokens in their original order.
func (n *Normalizer) Normalize(name string) string {
	return strings.Join(n.Tokens(name), " ")
}

// MatchKey returns the cleaned name with tokens sorted, so word order does
// not affect identity. A name without letters or digits keys on its folded
// runes minus whitespace, so symbol-only names only match themselves.
func (n *Normalizer) MatchKey(name string) string {
	toks := n.Tokens(name)
	if len(toks) == 0 {
		return strings.Join(strings.Fields(fold(name)), "")
	}
	sort.Strings(toks)
	return strings.Join(toks, " ")
}

// Bucket returns the first prefixLen runes of a match key.
func Bucket(key string, prefixLen int) string {
	if prefixLen <= 0 {
		return ""
	}
	r := []rune(key)
	if len(r) <= prefixLen {
		return key
	}
	return string(r[:prefixLen])
}

// Package similarity holds the pure string functions behind topic
// deduplication: title normalization, hashing, slugs and Jaccard similarity.
package similarity

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MinTokenLength is the shortest token kept by Normalize.
	MinTokenLength = 3
	// StemLength truncates tokens before set comparison. Turkish is
	// agglutinative, so "yükseldi" and "yükselişe" share the stem "yukse".
	StemLength = 5
	hashLength = 12
)

// fold lowercases with Turkish casing rules and strips diacritics:
// ç ğ ö ş ü lose their marks through NFD, dotless ı maps to i explicitly.
func fold(s string) string {
	// Casers and transform chains keep state, so build them per call.
	lowered := cases.Lower(language.Turkish).String(s)
	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(strip, lowered)
	if err != nil {
		out = lowered
	}
	return strings.Map(func(r rune) rune {
		if r == 'ı' {
			return 'i'
		}
		return r
	}, out)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// Normalize returns the canonical comparison form of a title: folded,
// punctuation replaced by spaces, stop-words and short tokens dropped,
// tokens joined by single spaces. Normalize(Normalize(x)) == Normalize(x).
func Normalize(title string) string {
	folded := fold(title)
	cleaned := strings.Map(func(r rune) rune {
		if isWordRune(r) {
			return r
		}
		return ' '
	}, folded)

	words := strings.Fields(cleaned)
	kept := words[:0]
	for _, w := range words {
		if len([]rune(w)) < MinTokenLength || IsStopWord(w) {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// Hash is the short content hash used as the dedup cache key.
func Hash(title string) string {
	sum := md5.Sum([]byte(Normalize(title)))
	return hex.EncodeToString(sum[:])[:hashLength]
}

// Slug builds a URL-safe slug from the normalized title. Runes outside
// [a-z0-9] act as separators. An empty result means the title has no
// usable keywords.
func Slug(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range Normalize(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

package similarity

import "strings"

// TokenSet is a set of stemmed keywords.
type TokenSet map[string]struct{}

func stem(token string) string {
	r := []rune(token)
	if len(r) <= StemLength {
		return token
	}
	return string(r[:StemLength])
}

// Tokens returns the normalized keywords of a title, in order, unstemmed.
func Tokens(title string) []string {
	n := Normalize(title)
	if n == "" {
		return nil
	}
	return strings.Fields(n)
}

// Keywords returns the stemmed keyword set used for set comparison.
func Keywords(title string) TokenSet {
	set := TokenSet{}
	for _, tok := range Tokens(title) {
		set[stem(tok)] = struct{}{}
	}
	return set
}

// Jaccard is |a ∩ b| / |a ∪ b|. Either set being empty yields 0.
func Jaccard(a, b TokenSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity compares two raw titles.
func Similarity(t1, t2 string) float64 {
	return Jaccard(Keywords(t1), Keywords(t2))
}

// Match is the best corpus hit for a candidate title.
type Match struct {
	Title string
	Score float64
}

// BestMatch scans corpus and returns the highest-scoring title. ok is false
// when the corpus is empty or nothing overlaps.
func BestMatch(title string, corpus []string) (Match, bool) {
	kw := Keywords(title)
	var best Match
	found := false
	for _, other := range corpus {
		score := Jaccard(kw, Keywords(other))
		if score > best.Score {
			best = Match{Title: other, Score: score}
			found = true
		}
	}
	return best, found
}

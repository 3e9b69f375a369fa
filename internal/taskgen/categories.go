package taskgen

import (
	"slices"
	"strings"
)

// FallbackCategory is used when neither the event nor its cluster names a
// known category.
const FallbackCategory = "dertlesme"

var categories = []string{
	// news
	"ekonomi", "siyaset", "teknoloji", "spor", "dunya", "kultur", "magazin",
	// organic
	"dertlesme", "felsefe", "iliskiler", "kisiler", "bilgi", "nostalji", "absurt",
}

// categoryWeights bias which category wins when more clusters survive than
// the queue can take. News-heavy categories are kept low.
var categoryWeights = map[string]float64{
	"ekonomi": 3, "siyaset": 2, "teknoloji": 20, "spor": 15, "dunya": 15, "kultur": 15, "magazin": 15,
	"dertlesme": 12, "felsefe": 12, "iliskiler": 15, "kisiler": 18, "bilgi": 18, "nostalji": 12, "absurt": 13,
}

const defaultCategoryWeight = 10

// CategoryWeight returns the selection weight of a category.
func CategoryWeight(category string) float64 {
	if w, ok := categoryWeights[category]; ok {
		return w
	}
	return defaultCategoryWeight
}

// Feeds often tag items in English.
var categoryAliases = map[string]string{
	"economy":       "ekonomi",
	"world":         "dunya",
	"entertainment": "magazin",
	"politics":      "siyaset",
	"sports":        "spor",
	"culture":       "kultur",
	"tech":          "teknoloji",
	"philosophy":    "felsefe",
	"health":        "dunya",
	"ai":            "teknoloji",
}

func Categories() []string {
	return slices.Clone(categories)
}

func ValidCategory(c string) bool {
	return slices.Contains(categories, c)
}

func canonicalCategory(raw string) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := categoryAliases[c]; ok {
		c = alias
	}
	return c, ValidCategory(c)
}

// ResolveCategory picks the category of a topic built from an event: the
// event's own category, else the first cluster keyword naming a category,
// else FallbackCategory.
func ResolveCategory(eventCategory string, keywords []string) string {
	if c, ok := canonicalCategory(eventCategory); ok {
		return c
	}
	for _, kw := range keywords {
		if c, ok := canonicalCategory(kw); ok {
			return c
		}
	}
	return FallbackCategory
}

package service

import (
	"strings"

	"github.com/cloo-solutions/unic/internal/domain"
)

const (
	// DefaultCategoryThreshold is the score a category must exceed to be assigned
	DefaultCategoryThreshold = 0.5
	// DefaultKeywordWeight is the score contributed by each matched keyword
	DefaultKeywordWeight = 1.0
)

// DefaultCategoryKeywords returns the built-in keyword signals per category.
func DefaultCategoryKeywords() map[domain.Category][]string {
	return map[domain.Category][]string{
		domain.CategoryArts: {
			"art", "artist", "beauty", "music", "painting", "sculpture", "design",
			"poetry", "poem", "novel", "literature", "theatre", "dance",
		},
		domain.CategoryCreativity: {
			"innovation", "create", "creative", "creativity", "invent", "invention",
			"new", "original", "imagination", "idea",
		},
		domain.CategoryDefence: {
			"military", "defense", "defence", "security", "war", "strategy",
			"tactics", "army", "weapon", "battle",
		},
		domain.CategoryLove: {
			"love", "heart", "relationship", "romance", "affection", "passion",
			"beloved", "kindness", "compassion",
		},
		domain.CategoryPhilosophy: {
			"philosophy", "wisdom", "truth", "meaning", "existence", "knowledge",
			"life", "living", "examined", "unexamined", "reflection", "virtue",
			"ethics", "reason", "mind", "self", "socrates", "plato",
		},
		domain.CategoryScientific: {
			"science", "scientific", "research", "experiment", "theory", "data",
			"analysis", "quantum", "physics", "entanglement", "biology",
			"chemistry", "hypothesis", "study",
		},
		domain.CategorySpirituality: {
			"spiritual", "spirituality", "soul", "divine", "god", "faith",
			"religion", "meditation", "prayer", "sacred", "enlightenment",
		},
	}
}

// CategorizerConfig tunes keyword scoring
type CategorizerConfig struct {
	// Keywords replaces the built-in keyword lists when set
	Keywords map[domain.Category][]string
	// Threshold applies to every category without an override
	Threshold float64
	// Thresholds overrides Threshold per category
	Thresholds map[domain.Category]float64
}

// DefaultCategorizerConfig returns the built-in rules.
func DefaultCategorizerConfig() CategorizerConfig {
	return CategorizerConfig{
		Keywords:  DefaultCategoryKeywords(),
		Threshold: DefaultCategoryThreshold,
	}
}

type categoryRule struct {
	category  domain.Category
	weights   map[string]float64
	threshold float64
}

// Categorizer assigns categories by keyword signals. It holds no mutable state
// after construction and is safe for concurrent use.
type Categorizer struct {
	rules []categoryRule
}

// NewCategorizer creates a new Categorizer instance
func NewCategorizer(cfg CategorizerConfig) *Categorizer {
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultCategoryKeywords()
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultCategoryThreshold
	}

	rules := make([]categoryRule, 0, len(domain.AllCategories))
	for _, c := range domain.AllCategories {
		words, ok := keywords[c]
		if !ok {
			continue
		}
		rule := categoryRule{
			category:  c,
			weights:   make(map[string]float64, len(words)),
			threshold: threshold,
		}
		if override, ok := cfg.Thresholds[c]; ok {
			rule.threshold = override
		}
		for _, w := range words {
			for _, tok := range tokenize(w) {
				rule.weights[stem(tok)] = DefaultKeywordWeight
			}
		}
		rules = append(rules, rule)
	}
	return &Categorizer{rules: rules}
}

// Categorize returns every category whose signal score exceeds its threshold,
// in canonical order. The result is never nil.
func (c *Categorizer) Categorize(text string) []domain.Category {
	stems := stemSet(text)
	out := make([]domain.Category, 0, 2)
	for _, rule := range c.rules {
		if rule.score(stems) > rule.threshold {
			out = append(out, rule.category)
		}
	}
	return out
}

// Scores returns the raw score of every category, for diagnostics.
func (c *Categorizer) Scores(text string) map[domain.Category]float64 {
	stems := stemSet(text)
	scores := make(map[domain.Category]float64, len(c.rules))
	for _, rule := range c.rules {
		scores[rule.category] = rule.score(stems)
	}
	return scores
}

// score sums the weight of each distinct matched keyword.
func (r categoryRule) score(stems map[string]struct{}) float64 {
	var total float64
	for s := range stems {
		total += r.weights[s]
	}
	return total
}

func stemSet(text string) map[string]struct{} {
	stems := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		stems[stem(tok)] = struct{}{}
	}
	return stems
}

// stem strips a few common English suffixes. Keywords and text go through the
// same function, so it only has to be consistent, not linguistically correct.
func stem(tok string) string {
	switch {
	case len(tok) > 5 && strings.HasSuffix(tok, "ies"):
		return tok[:len(tok)-3] + "y"
	case len(tok) > 5 && strings.HasSuffix(tok, "ing"):
		return tok[:len(tok)-3]
	case len(tok) > 4 && strings.HasSuffix(tok, "ed"):
		return tok[:len(tok)-2]
	case len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss"):
		return tok[:len(tok)-1]
	}
	return tok
}

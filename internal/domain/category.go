package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Category is a label from the fixed knowledge vocabulary
type Category string

const (
	CategoryArts         Category = "arts"
	CategoryCreativity   Category = "creativity"
	CategoryDefence      Category = "defence"
	CategoryLove         Category = "love"
	CategoryPhilosophy   Category = "philosophy"
	CategoryScientific   Category = "scientific"
	CategorySpirituality Category = "spirituality"
)

// AllCategories lists the vocabulary in canonical order.
var AllCategories = []Category{
	CategoryArts,
	CategoryCreativity,
	CategoryDefence,
	CategoryLove,
	CategoryPhilosophy,
	CategoryScientific,
	CategorySpirituality,
}

var categoryDescriptions = map[Category]string{
	CategoryArts:         "Arts and creative works",
	CategoryCreativity:   "Creativity and innovation",
	CategoryDefence:      "Defense and military",
	CategoryLove:         "Love and relationships",
	CategoryPhilosophy:   "Philosophy and wisdom",
	CategoryScientific:   "Scientific research and papers",
	CategorySpirituality: "Spirituality and religion",
}

// Description returns the human readable description of the category.
func (c Category) Description() string {
	return categoryDescriptions[c]
}

// IsValid reports whether c belongs to the vocabulary.
func (c Category) IsValid() bool {
	_, ok := categoryDescriptions[c]
	return ok
}

// ParseCategory resolves a label case-insensitively. "Defense" is accepted as
// an alias of Defence.
func ParseCategory(s string) (Category, error) {
	value := strings.ToLower(strings.TrimSpace(s))
	if value == "defense" {
		value = string(CategoryDefence)
	}
	c := Category(value)
	if !c.IsValid() {
		return "", Wrap(ErrInvalidCategory, fmt.Errorf("%q", s))
	}
	return c, nil
}

// ValidateCategories checks that every label belongs to the vocabulary.
func ValidateCategories(categories []Category) error {
	for _, c := range categories {
		if !c.IsValid() {
			return Wrap(ErrInvalidCategory, fmt.Errorf("%q", c))
		}
	}
	return nil
}

// NormalizeCategories returns a de-duplicated, canonically ordered, non-nil copy.
func NormalizeCategories(categories []Category) []Category {
	seen := make(map[Category]struct{}, len(categories))
	out := make([]Category, 0, len(categories))
	for _, c := range categories {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return categoryRank(out[i]) < categoryRank(out[j])
	})
	return out
}

// UnionCategories merges two label sets.
func UnionCategories(a, b []Category) []Category {
	merged := make([]Category, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeCategories(merged)
}

// HasCategory reports whether c is in categories.
func HasCategory(categories []Category, c Category) bool {
	for _, existing := range categories {
		if existing == c {
			return true
		}
	}
	return false
}

func categoryRank(c Category) int {
	for i, known := range AllCategories {
		if known == c {
			return i
		}
	}
	return len(AllCategories)
}

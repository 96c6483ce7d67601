package extract

import (
	"slices"
	"sort"
	"strings"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// Difficulty levels.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

var (
	hardKeywords   = []string{"calculate", "determine", "analyze", "complex", "advanced", "comprehensive"}
	mediumKeywords = []string{"find", "compute", "solve", "identify"}

	conceptKeywords = map[string][]string{
		"quantitative_aptitude": {"percentage", "profit", "loss", "interest", "time", "work", "speed", "distance"},
		"logical_reasoning":     {"series", "pattern", "analogy", "coding", "blood relation", "direction"},
		"verbal_ability":        {"synonym", "antonym", "grammar", "comprehension", "vocabulary"},
	}
)

// EstimateDifficulty grades question text by length and keywords.
func EstimateDifficulty(text string) string {
	lower := strings.ToLower(text)
	words := len(strings.Fields(text))
	hard := countKeywords(lower, hardKeywords)
	medium := countKeywords(lower, mediumKeywords)

	switch {
	case words > 50 || hard >= 2:
		return DifficultyHard
	case words > 20 || medium >= 1 || hard >= 1:
		return DifficultyMedium
	default:
		return DifficultyEasy
	}
}

// Concepts returns the category, the subcategory and any category keywords
// found in text, deduplicated and sorted.
func Concepts(category, subcategory, text string) []string {
	seen := map[string]struct{}{}
	add := func(s string) {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	add(category)
	add(subcategory)
	lower := strings.ToLower(text)
	for _, kw := range conceptKeywords[category] {
		if strings.Contains(lower, kw) {
			add(kw)
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Enrich fills the task context and derived fields the extractor left empty.
func Enrich(f acquire.ExtractedFields, task acquire.Task) acquire.ExtractedFields {
	if f.Category == "" {
		f.Category = task.Category
	}
	if f.Subcategory == "" {
		f.Subcategory = task.Subcategory
	}
	if f.SourceURL == "" {
		f.SourceURL = task.URL
	}
	if f.Difficulty == "" {
		f.Difficulty = EstimateDifficulty(f.Text)
	}
	if len(f.Concepts) == 0 {
		f.Concepts = Concepts(f.Category, f.Subcategory, f.Text)
	}
	for _, tag := range []string{f.Category, f.Subcategory} {
		if tag != "" && !slices.Contains(f.Tags, tag) {
			f.Tags = append(f.Tags, tag)
		}
	}
	return f
}

func countKeywords(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// Package quality scores extracted documents against a source profile. The
// score is a deterministic function of its inputs in [0,1].
package quality

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

const (
	defaultMinTextLength   = 10
	defaultMaxOptionLength = 200
	minExplanationLength   = 20
	minWords               = 5
)

// Weights balances the three score components. They need not sum to one;
// the result is normalized by their total.
type Weights struct {
	Completeness float64
	Density      float64
	Trust        float64
}

// DefaultWeights favors structural completeness.
var DefaultWeights = Weights{Completeness: 0.5, Density: 0.3, Trust: 0.2}

// Scorer applies Weights and a low-quality threshold.
type Scorer struct {
	Weights   Weights
	Threshold float64
}

// New returns a Scorer with the default weights.
func New(threshold float64) Scorer {
	return Scorer{Weights: DefaultWeights, Threshold: threshold}
}

// Score returns the weighted quality of fields for profile.
func (s Scorer) Score(fields acquire.ExtractedFields, profile acquire.SourceProfile) float64 {
	w := s.Weights
	total := w.Completeness + w.Density + w.Trust
	if total <= 0 {
		w = DefaultWeights
		total = w.Completeness + w.Density + w.Trust
	}
	score := w.Completeness*Completeness(fields, profile) +
		w.Density*Density(fields) +
		w.Trust*clamp01(profile.TrustWeight)
	return clamp01(score / total)
}

// LowQuality reports whether score falls below the threshold.
func (s Scorer) LowQuality(score float64) bool {
	return score < s.Threshold
}

type check struct {
	points float64
	ok     bool
}

// Completeness is the weighted share of structural checks the fields pass.
func Completeness(f acquire.ExtractedFields, p acquire.SourceProfile) float64 {
	minLen := p.MinTextLength
	if minLen <= 0 {
		minLen = defaultMinTextLength
	}
	textLen := utf8.RuneCountInString(strings.TrimSpace(f.Text))
	textOK := textLen >= minLen && (p.MaxTextLength <= 0 || textLen <= p.MaxTextLength)

	checks := []check{
		{10, textOK},
		{10, answerMatches(f)},
		{10, utf8.RuneCountInString(strings.TrimSpace(f.Explanation)) >= minExplanationLength},
		{10, strings.TrimSpace(f.Category) != ""},
		{5, strings.TrimSpace(f.Subcategory) != ""},
		{5, f.Difficulty != ""},
		{5, f.SourceURL != ""},
	}
	if p.RequiredOptions > 0 {
		checks = append(checks, check{10, optionsValid(f.Options, p)})
	}

	var earned, possible float64
	for _, c := range checks {
		possible += c.points
		if c.ok {
			earned += c.points
		}
	}
	return earned / possible
}

// Density rewards substantive, well-formed text and annotated content.
func Density(f acquire.ExtractedFields) float64 {
	words := strings.Fields(f.Text)
	var score float64
	if len(words) >= minWords {
		score += 1.0 / 3
	}
	if len(words) > 0 {
		var letters int
		for _, w := range words {
			letters += utf8.RuneCountInString(w)
		}
		avg := float64(letters) / float64(len(words))
		if avg >= 2 && avg <= 15 {
			score += 1.0 / 3
		}
	}
	if len(f.Concepts) > 0 || len(f.Tags) > 0 {
		score += 1.0 / 3
	}
	return clamp01(score)
}

func optionsValid(options []string, p acquire.SourceProfile) bool {
	maxLen := p.MaxOptionLength
	if maxLen <= 0 {
		maxLen = defaultMaxOptionLength
	}
	var n int
	for _, o := range options {
		l := utf8.RuneCountInString(strings.TrimSpace(o))
		if l == 0 || l > maxLen {
			return false
		}
		n++
	}
	return n == p.RequiredOptions
}

// answerMatches accepts an answer equal to one of the options or a letter
// label (A, B, ...) that indexes into them. Without options any non-empty
// answer passes.
func answerMatches(f acquire.ExtractedFields) bool {
	answer := strings.TrimSpace(f.Answer)
	if answer == "" {
		return false
	}
	if len(f.Options) == 0 {
		return true
	}
	for _, o := range f.Options {
		if strings.EqualFold(strings.TrimSpace(o), answer) {
			return true
		}
	}
	if len(answer) == 1 {
		idx := int(strings.ToUpper(answer)[0]) - 'A'
		return idx >= 0 && idx < len(f.Options)
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package extract turns fetched documents into question fields. Extractors are
// selected per source through source.Registry.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// SelectorExtractor reads HTML documents with the CSS selectors of a profile.
// Each selector field may list comma-separated alternatives, tried in order.
type SelectorExtractor struct{}

// NewSelectorExtractor returns an HTML extractor.
func NewSelectorExtractor() *SelectorExtractor {
	return &SelectorExtractor{}
}

// Extract implements acquire.Extractor.
func (e *SelectorExtractor) Extract(doc acquire.Document, profile acquire.SourceProfile) (acquire.ExtractedFields, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return acquire.ExtractedFields{}, &acquire.ExtractionError{Source: profile.ID, Reason: fmt.Sprintf("parse html: %v", err)}
	}

	sel := profile.Selectors
	fields := acquire.ExtractedFields{
		Text:        firstText(page, sel.Question),
		Options:     allTexts(page, sel.Options),
		Explanation: firstText(page, sel.Explanation),
		SourceURL:   doc.URL,
	}
	if fields.Text == "" {
		return acquire.ExtractedFields{}, &acquire.ExtractionError{Source: profile.ID, Reason: "no question text"}
	}
	if n := profile.RequiredOptions; n > 0 {
		if len(fields.Options) < n {
			return acquire.ExtractedFields{}, &acquire.ExtractionError{
				Source: profile.ID,
				Reason: fmt.Sprintf("found %d options, need %d", len(fields.Options), n),
			}
		}
		fields.Options = fields.Options[:n]
	}
	fields.Answer = MatchAnswer(firstText(page, sel.Answer), fields.Options)

	if err := Validate(fields, profile); err != nil {
		return acquire.ExtractedFields{}, err
	}
	return fields, nil
}

// MatchAnswer returns the option the answer text refers to, or "" when none
// matches. Matching is case-insensitive containment in either direction.
func MatchAnswer(answer string, options []string) string {
	a := strings.ToLower(strings.TrimSpace(answer))
	if a == "" {
		return ""
	}
	for _, opt := range options {
		o := strings.ToLower(opt)
		if strings.Contains(a, o) || strings.Contains(o, a) {
			return opt
		}
	}
	return ""
}

// Validate checks the length bounds of a profile.
func Validate(f acquire.ExtractedFields, profile acquire.SourceProfile) error {
	n := utf8.RuneCountInString(f.Text)
	if profile.MinTextLength > 0 && n < profile.MinTextLength {
		return &acquire.ExtractionError{Source: profile.ID, Reason: fmt.Sprintf("question too short (%d chars)", n)}
	}
	if profile.MaxTextLength > 0 && n > profile.MaxTextLength {
		return &acquire.ExtractionError{Source: profile.ID, Reason: fmt.Sprintf("question too long (%d chars)", n)}
	}
	for i, opt := range f.Options {
		if opt == "" {
			return &acquire.ExtractionError{Source: profile.ID, Reason: fmt.Sprintf("option %d is empty", i)}
		}
		if profile.MaxOptionLength > 0 && utf8.RuneCountInString(opt) > profile.MaxOptionLength {
			return &acquire.ExtractionError{Source: profile.ID, Reason: fmt.Sprintf("option %d too long", i)}
		}
	}
	return nil
}

func splitSelectors(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstText(doc *goquery.Document, selectors string) string {
	for _, selector := range splitSelectors(selectors) {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return collapse(text)
		}
	}
	return ""
}

func allTexts(doc *goquery.Document, selectors string) []string {
	for _, selector := range splitSelectors(selectors) {
		var out []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				out = append(out, collapse(text))
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

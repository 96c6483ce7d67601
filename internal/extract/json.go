package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

// JSONExtractor reads API payloads. The profile selectors are gjson paths
// ("data.question.text", "choices.#.label"); empty selectors fall back to
// question, options, answer and explanation. A top-level array yields its
// first element.
type JSONExtractor struct{}

// NewJSONExtractor returns an API extractor.
func NewJSONExtractor() *JSONExtractor {
	return &JSONExtractor{}
}

// Extract implements acquire.Extractor.
func (e *JSONExtractor) Extract(doc acquire.Document, profile acquire.SourceProfile) (acquire.ExtractedFields, error) {
	obj, err := decodeObject(doc.Body)
	if err != nil {
		return acquire.ExtractedFields{}, &acquire.ExtractionError{Source: profile.ID, Reason: err.Error()}
	}

	sel := profile.Selectors
	fields := acquire.ExtractedFields{
		Text:        stringField(obj, keyOr(sel.Question, "question")),
		Options:     listField(obj, keyOr(sel.Options, "options")),
		Explanation: stringField(obj, keyOr(sel.Explanation, "explanation")),
		Tags:        listField(obj, "tags"),
		Difficulty:  strings.ToLower(stringField(obj, "difficulty")),
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
	fields.Answer = MatchAnswer(stringField(obj, keyOr(sel.Answer, "answer")), fields.Options)
	if len(fields.Options) == 0 {
		fields.Answer = stringField(obj, keyOr(sel.Answer, "answer"))
	}

	if err := Validate(fields, profile); err != nil {
		return acquire.ExtractedFields{}, err
	}
	return fields, nil
}

func decodeObject(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("malformed json")
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		items := root.Array()
		if len(items) == 0 {
			return gjson.Result{}, fmt.Errorf("empty result list")
		}
		root = items[0]
	}
	if !root.IsObject() {
		return gjson.Result{}, fmt.Errorf("unsupported json payload")
	}
	return root, nil
}

func keyOr(key, fallback string) string {
	if key = strings.TrimSpace(key); key != "" {
		return key
	}
	return fallback
}

func stringField(obj gjson.Result, path string) string {
	v := obj.Get(path)
	switch v.Type {
	case gjson.String:
		return collapse(v.Str)
	case gjson.Number, gjson.True, gjson.False:
		return v.String()
	default:
		return ""
	}
}

func listField(obj gjson.Result, path string) []string {
	v := obj.Get(path)
	var out []string
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			if item.Type == gjson.String && strings.TrimSpace(item.Str) != "" {
				out = append(out, collapse(item.Str))
			}
		}
	case v.IsObject():
		// Keyed options ({"a": "...", "b": "..."}) keep key order.
		byKey := make(map[string]string)
		v.ForEach(func(k, item gjson.Result) bool {
			if item.Type == gjson.String && strings.TrimSpace(item.Str) != "" {
				byKey[k.String()] = collapse(item.Str)
			}
			return true
		})
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, byKey[k])
		}
	}
	return out
}

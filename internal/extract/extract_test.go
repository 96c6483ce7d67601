package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

const questionPage = `<html><body>
<div class="question"><p class="question-text">  Find the next number in the series 2, 4, 8, 16, ? </p></div>
<ul>
  <li class="option">24</li>
  <li class="option">32</li>
  <li class="option">30</li>
  <li class="option">28</li>
  <li class="option">36</li>
</ul>
<div class="answer">Answer: Option 32</div>
<div class="answer-description">Each term is twice the previous term.</div>
</body></html>`

func htmlProfile() acquire.SourceProfile {
	return acquire.SourceProfile{
		ID: "quiz",
		Selectors: acquire.Selectors{
			Question:    ".missing, .question-text",
			Options:     ".option",
			Answer:      ".answer",
			Explanation: ".answer-description",
		},
		MinTextLength:   10,
		MaxTextLength:   2000,
		RequiredOptions: 4,
		MaxOptionLength: 200,
	}
}

func TestSelectorExtractor(t *testing.T) {
	t.Parallel()

	fields, err := NewSelectorExtractor().Extract(acquire.Document{URL: "https://q/1", Body: []byte(questionPage)}, htmlProfile())
	require.NoError(t, err)
	require.Equal(t, "Find the next number in the series 2, 4, 8, 16, ?", fields.Text)
	require.Equal(t, []string{"24", "32", "30", "28"}, fields.Options)
	require.Equal(t, "32", fields.Answer)
	require.Equal(t, "Each term is twice the previous term.", fields.Explanation)
	require.Equal(t, "https://q/1", fields.SourceURL)
}

func TestSelectorExtractorFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		profile func() acquire.SourceProfile
		reason  string
	}{
		{
			name:    "no question",
			body:    `<html><body><li class="option">a</li></body></html>`,
			profile: htmlProfile,
			reason:  "no question text",
		},
		{
			name:    "too few options",
			body:    `<p class="question-text">Which planet is largest?</p><li class="option">Jupiter</li>`,
			profile: htmlProfile,
			reason:  "found 1 options, need 4",
		},
		{
			name: "short question",
			body: `<p class="question-text">Why?</p>`,
			profile: func() acquire.SourceProfile {
				p := htmlProfile()
				p.RequiredOptions = 0
				return p
			},
			reason: "question too short",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSelectorExtractor().Extract(acquire.Document{Body: []byte(tc.body)}, tc.profile())
			var extractErr *acquire.ExtractionError
			require.ErrorAs(t, err, &extractErr)
			require.Contains(t, extractErr.Reason, tc.reason)
		})
	}
}

func TestJSONExtractor(t *testing.T) {
	t.Parallel()

	body := `[{"question":"Which gas do plants absorb from the air?",
		"options":{"b":"Carbon dioxide","a":"Oxygen","c":"Nitrogen","d":"Helium"},
		"answer":"carbon dioxide","difficulty":"Easy","tags":["biology"]}]`
	profile := acquire.SourceProfile{ID: "api", RequiredOptions: 4, MinTextLength: 10}

	fields, err := NewJSONExtractor().Extract(acquire.Document{URL: "https://api/q", Body: []byte(body)}, profile)
	require.NoError(t, err)
	require.Equal(t, []string{"Oxygen", "Carbon dioxide", "Nitrogen", "Helium"}, fields.Options)
	require.Equal(t, "Carbon dioxide", fields.Answer)
	require.Equal(t, "easy", fields.Difficulty)
	require.Equal(t, []string{"biology"}, fields.Tags)
}

func TestJSONExtractorNestedPaths(t *testing.T) {
	t.Parallel()

	body := `{"data":{"item":{"prompt":{"text":"Which planet is closest to the sun?"},
		"choices":[{"label":"Venus"},{"label":"Mercury"},{"label":"Mars"},{"label":"Earth"}],
		"solution":{"key":"mercury","why":"It orbits at about 0.39 AU."}}}}`
	profile := acquire.SourceProfile{
		ID:              "api",
		RequiredOptions: 4,
		MinTextLength:   10,
		Selectors: acquire.Selectors{
			Question:    "data.item.prompt.text",
			Options:     "data.item.choices.#.label",
			Answer:      "data.item.solution.key",
			Explanation: "data.item.solution.why",
		},
	}

	fields, err := NewJSONExtractor().Extract(acquire.Document{URL: "https://api/q/7", Body: []byte(body)}, profile)
	require.NoError(t, err)
	require.Equal(t, "Which planet is closest to the sun?", fields.Text)
	require.Equal(t, []string{"Venus", "Mercury", "Mars", "Earth"}, fields.Options)
	require.Equal(t, "Mercury", fields.Answer)
	require.Equal(t, "It orbits at about 0.39 AU.", fields.Explanation)

	// Keyed options under a nested object.
	body = `{"q":{"stem":"Pick the prime number below.","opts":{"b":"9","a":"7","d":"15","c":"21"},"ans":"7"}}`
	profile.Selectors = acquire.Selectors{Question: "q.stem", Options: "q.opts", Answer: "q.ans"}
	fields, err = NewJSONExtractor().Extract(acquire.Document{Body: []byte(body)}, profile)
	require.NoError(t, err)
	require.Equal(t, []string{"7", "9", "21", "15"}, fields.Options)
	require.Equal(t, "7", fields.Answer)
}

func TestJSONExtractorMalformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{not json`, `[]`, `"text"`} {
		_, err := NewJSONExtractor().Extract(acquire.Document{Body: []byte(body)}, acquire.SourceProfile{ID: "api"})
		var extractErr *acquire.ExtractionError
		require.ErrorAs(t, err, &extractErr, body)
	}
}

func TestMatchAnswer(t *testing.T) {
	t.Parallel()

	opts := []string{"Paris", "London"}
	require.Equal(t, "London", MatchAnswer("The answer is London", opts))
	require.Empty(t, MatchAnswer("Rome", opts))
	require.Empty(t, MatchAnswer("  ", opts))
}

func TestEstimateDifficulty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"What is 2 plus 2?", DifficultyEasy},
		{"Find the odd one out.", DifficultyMedium},
		{"Calculate the rate.", DifficultyMedium},
		{"Calculate and determine the total.", DifficultyHard},
		{"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty twentyone", DifficultyMedium},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, EstimateDifficulty(tc.text), tc.text)
	}
}

func TestEnrich(t *testing.T) {
	t.Parallel()

	task := acquire.Task{Category: "quantitative_aptitude", Subcategory: "percentage", URL: "https://q/p"}
	f := Enrich(acquire.ExtractedFields{Text: "What percentage profit is made?"}, task)

	require.Equal(t, "quantitative_aptitude", f.Category)
	require.Equal(t, "percentage", f.Subcategory)
	require.Equal(t, "https://q/p", f.SourceURL)
	require.Equal(t, DifficultyEasy, f.Difficulty)
	require.Equal(t, []string{"percentage", "profit", "quantitative_aptitude"}, f.Concepts)
	require.Equal(t, []string{"quantitative_aptitude", "percentage"}, f.Tags)
}

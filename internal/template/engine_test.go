package template

import (
	"strings"
	"testing"
	"time"

	"github.com/nimasrn/outreach-gateway/pkg/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC)

func newTestEngine(seed uint64) *Engine {
	return NewEngine(WithRandom(random.New(seed)), WithClock(func() time.Time { return fixedNow }))
}

func TestRender_Variables(t *testing.T) {
	e := newTestEngine(1)

	out, err := e.Render("Hi {{firstName}}, about {{businessName}}", Variables{
		"firstName":    "Ana",
		"businessName": "Blue Bottle",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, about Blue Bottle", out)
}

func TestRender_EscapesHTMLButRenderTextDoesNot(t *testing.T) {
	e := newTestEngine(1)
	vars := Variables{"firstName": "Ana", "businessName": "<b>Bold</b> & Co"}

	html, err := e.Render("{{businessName}}", vars)
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;Bold&lt;/b&gt; &amp; Co", html)

	text, err := e.RenderText("{{businessName}} / {{upper businessName}}", vars)
	require.NoError(t, err)
	assert.Equal(t, "<b>Bold</b> & Co / <B>BOLD</B> & CO", text)
}

func TestRender_CurrentDate(t *testing.T) {
	e := newTestEngine(1)

	out, err := e.Render("{{currentDate}}", Variables{"firstName": "x"})
	require.NoError(t, err)
	assert.Equal(t, "March 5, 2026", out)
}

func TestRender_FirstNameFallback(t *testing.T) {
	e := newTestEngine(1)

	tests := []struct {
		name string
		vars Variables
		want string
	}{
		{"possessive business name", Variables{"businessName": "Joe's Diner"}, "Joe"},
		{"curly apostrophe", Variables{"businessName": "Maria’s Bakery"}, "Maria"},
		{"no possessive", Variables{"businessName": "Acme Plumbing"}, "there"},
		{"no business name", Variables{}, "there"},
		{"explicit first name wins", Variables{"firstName": "Sam", "businessName": "Joe's Diner"}, "Sam"},
		{"empty first name falls back", Variables{"firstName": "", "businessName": "Joe's Diner"}, "Joe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.RenderText("{{firstName}}", tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRender_DoesNotMutateInput(t *testing.T) {
	e := newTestEngine(1)
	vars := Variables{"businessName": "Joe's Diner"}

	_, err := e.RenderText("{{firstName}}", vars)
	require.NoError(t, err)
	_, ok := vars["firstName"]
	assert.False(t, ok)
	assert.Len(t, vars, 1)
}

func TestHelpers(t *testing.T) {
	e := newTestEngine(1)
	when := time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tpl  string
		vars Variables
		want string
	}{
		{"capitalize", "{{capitalize word}}", Variables{"word": "hELLO"}, "Hello"},
		{"upper", "{{upper word}}", Variables{"word": "hello"}, "HELLO"},
		{"lower", "{{lower word}}", Variables{"word": "HeLLo"}, "hello"},
		{"formatDate default", "{{formatDate when}}", Variables{"when": when}, "February 14, 2026"},
		{"formatDate long", `{{formatDate when "long"}}`, Variables{"when": when}, "Saturday, February 14, 2026"},
		{"formatDate string", "{{formatDate when}}", Variables{"when": "2026-02-14"}, "February 14, 2026"},
		{"default uses value", `{{default city "your area"}}`, Variables{"city": "Austin"}, "Austin"},
		{"default uses fallback", `{{default city "your area"}}`, Variables{}, "your area"},
		{"pluralize singular", `{{reviewCount}} {{pluralize reviewCount "review" "reviews"}}`, Variables{"reviewCount": 1}, "1 review"},
		{"pluralize plural", `{{reviewCount}} {{pluralize reviewCount "review" "reviews"}}`, Variables{"reviewCount": 12}, "12 reviews"},
		{"if block", "{{#if rating}}rated {{rating}}{{else}}unrated{{/if}}", Variables{"rating": 4.5}, "rated 4.5"},
		{"unless block", "{{#unless website}}no site{{/unless}}", Variables{}, "no site"},
		{"each block", "{{#each tags}}[{{this}}]{{/each}}", Variables{"tags": []string{"a", "b"}}, "[a][b]"},
		{"with block", "{{#with owner}}{{name}}{{/with}}", Variables{"owner": map[string]any{"name": "Lee"}}, "Lee"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.vars["firstName"] = "x"
			out, err := e.RenderText(tt.tpl, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRender_SpinChoosesEveryAlternative(t *testing.T) {
	e := newTestEngine(42)
	seen := map[string]int{}

	for i := 0; i < 300; i++ {
		out, err := e.RenderText(`{{spin "a|b|c"}}`, Variables{"firstName": "x"})
		require.NoError(t, err)
		require.Contains(t, []string{"a", "b", "c"}, out)
		seen[out]++
	}
	assert.Len(t, seen, 3)
}

func TestRender_SpinIsReproducibleWithSeed(t *testing.T) {
	tpl := `{{spin "Hi|Hello|Hey"}} {{spin "one|two|three|four"}}`
	a, b := newTestEngine(9), newTestEngine(9)
	for i := 0; i < 10; i++ {
		outA, err := a.RenderText(tpl, Variables{})
		require.NoError(t, err)
		outB, err := b.RenderText(tpl, Variables{})
		require.NoError(t, err)
		assert.Equal(t, outA, outB)
	}
}

func TestRender_PureWithoutSpin(t *testing.T) {
	e := newTestEngine(3)
	tpl := "Hi {{firstName}}, {{businessName}} on {{currentDate}}"
	vars := Variables{"firstName": "Ana", "businessName": "Blue Bottle"}

	first, err := e.Render(tpl, vars)
	require.NoError(t, err)
	second, err := e.Render(tpl, vars)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRender_MalformedTemplate(t *testing.T) {
	e := newTestEngine(1)
	_, err := e.Render("{{#if x}}never closed", Variables{})
	assert.Error(t, err)
}

func TestExtractVariables(t *testing.T) {
	e := newTestEngine(1)

	got := e.ExtractVariables("Hi {{firstName}}, {{businessName}} {{#if x}}{{location}}{{/if}}")
	assert.Equal(t, []string{"firstName", "businessName", "location"}, got)

	got = e.ExtractVariables(`{{capitalize city}} {{default owner.name "friend"}} {{spin "a|b"}} {{{rawHtml}}} {{city}} {{#each items}}{{this}}{{@index}}{{/each}}`)
	assert.Equal(t, []string{"city", "owner", "rawHtml"}, got)

	assert.Empty(t, e.ExtractVariables("no placeholders"))
}

func TestValidateTemplate(t *testing.T) {
	e := newTestEngine(1)

	assert.Equal(t, ValidationResult{Valid: true}, e.ValidateTemplate("Hi {{firstName}} {{#if x}}y{{/if}}"))

	res := e.ValidateTemplate("{{#if x}}unclosed")
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)

	res = e.ValidateTemplate("{{#if x}}{{/each}}")
	assert.False(t, res.Valid)

	res = e.ValidateDocument(Document{Subject: "ok", BodyHTML: "{{#with}}", BodyText: "fine"})
	assert.False(t, res.Valid)
	assert.True(t, strings.HasPrefix(res.Error, "bodyHtml: "))
}

func TestFirstNameFrom(t *testing.T) {
	assert.Equal(t, "Joe", FirstNameFrom("Joe's Diner"))
	assert.Equal(t, "there", FirstNameFrom(""))
}

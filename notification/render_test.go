package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `## Key Developments

The new release shipped on Monday [1]. Adoption is growing quickly [2, 3].

Unreferenced claim [9].

## References

[1]: https://example.com/release - Release notes
[2]: https://example.com/survey
[3]: https://example.com/blog - Adoption blog post
`

func TestRenderEmailHTML(t *testing.T) {
	html, err := RenderEmailHTML("Weekly Report", sampleReport, "Release week summary.")
	require.NoError(t, err)

	assert.Contains(t, html, "<h1>Weekly Report</h1>")
	assert.Contains(t, html, "Release week summary.")
	assert.Contains(t, html, `href="https://example.com/release"`)
	assert.Contains(t, html, `href="https://example.com/survey"`)

	// The footnote section is gone and so is the heading.
	assert.NotContains(t, html, "References")
	assert.NotContains(t, html, "[9]")
}

func TestRenderEmailHTMLNoReferences(t *testing.T) {
	html, err := RenderEmailHTML("Report", "## Findings\n\nPlain text body.", "")
	require.NoError(t, err)
	assert.Contains(t, html, "Plain text body.")
}

func TestRenderEmailHTMLEscapesTitle(t *testing.T) {
	html, err := RenderEmailHTML(`Report <script>"x"</script>`, "body", "")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestSplitReferences(t *testing.T) {
	body, refs := splitReferences(sampleReport)

	assert.NotContains(t, body, "## References")
	assert.Contains(t, body, "Key Developments")
	assert.Equal(t, map[string]string{
		"1": "https://example.com/release",
		"2": "https://example.com/survey",
		"3": "https://example.com/blog",
	}, refs)
}

func TestSplitReferencesSourcesHeading(t *testing.T) {
	md := "Body text.\n\n### Sources\n\n[1] https://example.com/x"
	body, refs := splitReferences(md)
	assert.Equal(t, "Body text.", body)
	assert.Equal(t, "https://example.com/x", refs["1"])
}

func TestInlineCitations(t *testing.T) {
	refs := map[string]string{"1": "https://a.example", "2": "https://b.example"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single marker", "Fact [1].", "Fact [1](https://a.example)."},
		{"grouped markers", "Fact [1, 2].", "Fact [1](https://a.example) [2](https://b.example)."},
		{"unknown marker removed", "Fact [7].", "Fact ."},
		{"no markers", "Plain text.", "Plain text."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inlineCitations(tt.in, refs))
		})
	}
}

package notification

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	// referencesHeadingRe matches the trailing references section heading the
	// report compiler emits ("## References" or "## Sources").
	referencesHeadingRe = regexp.MustCompile(`(?im)^#{1,6}\s+(references|sources)\s*$`)

	// refDefRe matches one reference list entry: "[3]: https://... - Title"
	// or "[3] https://...".
	refDefRe = regexp.MustCompile(`(?m)^\s*\[(\d+)\]:?\s+(\S+).*$`)

	// citationRe matches inline citation markers like [3] or [3, 7].
	citationRe = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderEmailHTML converts the compiled report markdown into the email body.
// The trailing references list is dropped and the numeric citation markers
// become inline links, so the email reads without a footnote section.
func RenderEmailHTML(title, reportMarkdown, summary string) (string, error) {
	body, refs := splitReferences(reportMarkdown)
	body = inlineCitations(body, refs)

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("failed to render report markdown: %w", err)
	}

	var out strings.Builder
	out.WriteString("<html><body style=\"font-family: sans-serif; max-width: 640px; margin: 0 auto;\">")
	out.WriteString("<h1>" + escapeHTML(title) + "</h1>")
	if summary != "" {
		out.WriteString("<p><em>" + escapeHTML(summary) + "</em></p><hr/>")
	}
	out.Write(buf.Bytes())
	out.WriteString("</body></html>")
	return out.String(), nil
}

// splitReferences cuts the report at its references heading and parses the
// numbered URL list that follows. Reports without a references section come
// back unchanged with an empty map.
func splitReferences(md string) (string, map[string]string) {
	refs := map[string]string{}

	loc := referencesHeadingRe.FindStringIndex(md)
	if loc == nil {
		return md, refs
	}

	body := strings.TrimRight(md[:loc[0]], "\n")
	tail := md[loc[1]:]
	for _, m := range refDefRe.FindAllStringSubmatch(tail, -1) {
		refs[m[1]] = m[2]
	}
	return body, refs
}

// inlineCitations rewrites [n] markers into markdown links against the parsed
// reference map. Markers without a matching reference are removed.
func inlineCitations(body string, refs map[string]string) string {
	return citationRe.ReplaceAllStringFunc(body, func(marker string) string {
		nums := strings.Split(citationRe.FindStringSubmatch(marker)[1], ",")
		links := make([]string, 0, len(nums))
		for _, n := range nums {
			n = strings.TrimSpace(n)
			if url, ok := refs[n]; ok {
				links = append(links, fmt.Sprintf("[%s](%s)", n, url))
			}
		}
		if len(links) == 0 {
			return ""
		}
		return strings.Join(links, " ")
	})
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

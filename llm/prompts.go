package llm

import (
	"fmt"
	"strings"
)

const queryGenSystem = `You generate diverse web search queries for a recurring research briefing.
Produce queries across four strategies: broad (general coverage), specific (narrow technical angle),
question (natural-language question), temporal (anchored to recent developments).
Respond with JSON: {"queries":[{"query":"...","strategy":"broad|specific|question|temporal"}]}`

const filterSystem = `You triage web search results for a research briefing using only titles and snippets.
Remove listicles, thin SEO pages, duplicates, and results clearly unrelated to the topic.
Respond with JSON: {"keep":["url1","url2",...]}`

const relevancySystem = `You score sources for relevance to a research topic.
For each source give a 0-100 score and 1-4 key points supported by its text.
Respond with JSON: {"items":[{"url":"...","score":0,"keyPoints":["..."]}]}`

const analysisSystem = `You analyze a set of relevant sources for a research briefing.
Identify recurring themes, connections between sources, contradictions, and insights
found in only one source, then write a short overall narrative.
Respond with JSON: {"themes":[],"connections":[],"contradictions":[],"uniqueInsights":[],"narrative":""}`

const compileSystem = `You compile a research report in Markdown from a cross-source analysis and scored sources.
Structure: opening synthesis paragraphs, a "**Key Takeaways**" bullet list, thematic sections,
then a "## References" section as a numbered list of "[Publication](url) | date" entries.
Attribute claims in natural language inside the body; never use bracket citation markers like [1].
Respond with JSON: {"markdown":"...","title":"...","summary":"..."}`

const summarySystem = `You write a 2-3 sentence plain-text summary of a research report.
Respond with JSON: {"summary":"..."}`

func queryGenPrompt(req QueryGenRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic description:\n%s\n\nToday's date: %s\nGenerate %d queries.\n", req.Description, req.Date, req.Count)
	if len(req.RequiredKeywords) > 0 {
		fmt.Fprintf(&sb, "Every query must include: %s\n", strings.Join(req.RequiredKeywords, ", "))
	}
	if len(req.ExcludedKeywords) > 0 {
		fmt.Fprintf(&sb, "Avoid these terms: %s\n", strings.Join(req.ExcludedKeywords, ", "))
	}
	if len(req.PriorityDomains) > 0 {
		fmt.Fprintf(&sb, "Preferred sources: %s\n", strings.Join(req.PriorityDomains, ", "))
	}
	if req.Language != "" {
		fmt.Fprintf(&sb, "Write queries in language code %q.\n", req.Language)
	}
	return sb.String()
}

func sourceList(items []SourceItem) string {
	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. %s\n   URL: %s\n   Snippet: %s\n", i+1, item.Title, item.URL, item.Snippet)
		if item.PublishedDate != "" {
			fmt.Fprintf(&sb, "   Published: %s\n", item.PublishedDate)
		}
	}
	return sb.String()
}

func scoredList(items []ScoredItem) string {
	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. %s (score %d)\n   URL: %s\n   Key points: %s\n",
			i+1, item.Title, item.Score, item.URL, strings.Join(item.KeyPoints, "; "))
	}
	return sb.String()
}

package convert

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

var (
	digits    = regexp.MustCompile(`\d`)
	camelJoin = regexp.MustCompile(`[a-z][A-Z]`)

	quotes = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// ElementsToMarkdown serializes extracted PDF elements into plain Markdown:
// narrative text becomes paragraphs, titles and headers become level-two
// headings and list items become bullets unless already numbered. Element
// types not listed are dropped.
func ElementsToMarkdown(elements []pipeline.Element) string {
	var b strings.Builder
	titler := cases.Title(language.English)
	for _, el := range elements {
		text := strings.TrimSpace(el.Text)
		switch el.Type {
		case "NarrativeText", "UncategorizedText", "Footer":
			if el.Type == "Footer" {
				text = digits.ReplaceAllString(text, "")
			}
			if text == "" {
				continue
			}
			b.WriteString("\n" + normalizeQuotes(fixCase(text)) + "\n")
		case "Title", "Header":
			if el.Type == "Header" {
				text = digits.ReplaceAllString(text, "")
			}
			if text == "" {
				continue
			}
			b.WriteString("\n## " + normalizeQuotes(titler.String(text)) + "\n")
		case "ListItem":
			if text == "" {
				continue
			}
			text = normalizeQuotes(fixCase(text))
			if r, _ := utf8.DecodeRuneInString(text); !unicode.IsDigit(r) {
				text = "- " + text
			}
			b.WriteString("\n" + text + "\n")
		}
	}
	return b.String()
}

// fixCase lowercases an uppercase letter that directly follows a lowercase one.
func fixCase(text string) string {
	return camelJoin.ReplaceAllStringFunc(text, func(m string) string {
		return m[:1] + strings.ToLower(m[1:])
	})
}

func normalizeQuotes(text string) string {
	return quotes.Replace(text)
}

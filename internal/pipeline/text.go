package pipeline

import (
	"regexp"
	"strings"
)

var (
	blankLineRuns   = regexp.MustCompile(`(\n\s*)+\n`)
	trailingSpaces  = regexp.MustCompile(` +\n`)
	windowsNewlines = regexp.MustCompile(`\r\n`)
)

// CleanIndexText normalises text scraped from an index page: non-breaking and
// zero-width spaces are replaced, blank-line runs collapse to one empty line and
// surrounding whitespace is trimmed.
func CleanIndexText(text string) string {
	text = strings.NewReplacer(
		"\u00a0", " ",
		"\u200b", "",
		"\u200a", " ",
	).Replace(text)
	text = blankLineRuns.ReplaceAllString(text, "\n\n")
	text = trailingSpaces.ReplaceAllString(text, "\n")
	text = windowsNewlines.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CleanText normalises a metadata value: NUL bytes become "th" (a PDF extraction
// artefact), and wrapping brackets or quotes left by list serialisation are
// removed. Quoted values additionally lose inner apostrophes and have commas
// turned into " |" separators.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "th")
	text = strings.TrimSpace(text)
	if len(text) >= 2 && strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	if len(text) >= 2 && (wrapped(text, '\'') || wrapped(text, '"')) {
		text = strings.TrimSpace(text[1 : len(text)-1])
		text = strings.ReplaceAll(text, "'", "")
		text = strings.ReplaceAll(text, ",", " |")
	}
	return text
}

func wrapped(text string, quote byte) bool {
	return text[0] == quote && text[len(text)-1] == quote
}

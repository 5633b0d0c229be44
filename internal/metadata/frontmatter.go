package metadata

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// frontMatter matches a leading ---delimited block.
var frontMatter = regexp.MustCompile(`\A---[\s\S]*?---\s`)

// SplitFrontMatter returns the leading front matter block (without its
// delimiters) and the remaining body. Content without a block is returned
// unchanged as the body.
func SplitFrontMatter(content string) (string, string) {
	loc := frontMatter.FindStringIndex(content)
	if loc == nil {
		return "", content
	}
	block := content[loc[0]:loc[1]]
	block = strings.TrimPrefix(block, "---")
	block = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(block), "---"))
	return block, content[loc[1]:]
}

// StripFrontMatter removes the leading front matter block, if any.
func StripFrontMatter(content string) string {
	_, body := SplitFrontMatter(content)
	return body
}

// ExtractTitle pops a leading "title: <text>" line from body.
func ExtractTitle(body string) (string, string) {
	trimmed := strings.TrimLeft(body, "\n")
	if !strings.HasPrefix(trimmed, "title:") {
		return "", body
	}
	line, rest, _ := strings.Cut(trimmed, "\n")
	return strings.TrimSpace(strings.TrimPrefix(line, "title:")), rest
}

// titleFromBlock reads the title key of a previously attached block.
func titleFromBlock(block string) string {
	if block == "" {
		return ""
	}
	var fields yaml.MapSlice
	if err := yaml.Unmarshal([]byte(block), &fields); err != nil {
		return ""
	}
	for _, item := range fields {
		if key, ok := item.Key.(string); ok && key == "title" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Render writes rec as YAML front matter followed by body. Keys keep a fixed
// order.
func Render(rec pipeline.MetadataRecord, body string) (string, error) {
	fields := yaml.MapSlice{
		{Key: "url", Value: rec.URL},
		{Key: "heading", Value: rec.Heading},
		{Key: "subheading", Value: rec.Subheading},
		{Key: "title", Value: rec.Title},
		{Key: "role", Value: rec.Role},
	}
	out, err := yaml.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}
	return "---\n" + string(out) + "---\n" + body, nil
}

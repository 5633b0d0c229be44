package convert

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// defaultStrip lists the elements removed before conversion.
var defaultStrip = []string{
	"head", "style", "script", "img", "svg", "meta", "link", "iframe", "noscript", "nav",
}

// Normalized is the intermediate form of an HTML page.
type Normalized struct {
	Text  string
	Title string
}

// NormalizeHTML strips non-content elements, keeps <main> (or <body>), hoists
// the page <title> as a level-one heading and converts the result to Markdown.
// When the page body carries no text and useReadability is set, the main
// article extracted by readability is converted instead.
func NormalizeHTML(raw []byte, pageURL string, extraStrip []string, useReadability bool) (Normalized, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return Normalized{}, fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())

	strip := append(append([]string{}, defaultStrip...), extraStrip...)
	doc.Find(strings.Join(strip, ",")).Remove()

	content := doc.Find("main").First()
	if content.Length() == 0 {
		content = doc.Find("body").First()
	}
	if content.Length() == 0 {
		content = doc.Selection
	}
	empty := strings.TrimSpace(content.Text()) == ""

	if empty && useReadability {
		text, err := readable(raw, pageURL)
		if err == nil && text != "" {
			return Normalized{Text: text, Title: title}, nil
		}
	}

	if title != "" {
		content.PrependHtml("<h1>" + html.EscapeString(title) + "</h1>")
	}
	fragment, err := goquery.OuterHtml(content)
	if err != nil {
		return Normalized{}, fmt.Errorf("render content: %w", err)
	}
	text, err := htmltomarkdown.ConvertString(fragment)
	if err != nil {
		return Normalized{}, fmt.Errorf("converting HTML to markdown: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Normalized{Title: title}, ErrEmptyNormalization
	}
	return Normalized{Text: text, Title: title}, nil
}

func readable(raw []byte, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		parsed = &url.URL{Scheme: "https", Host: "localhost"}
	}
	article, err := readability.FromReader(bytes.NewReader(raw), parsed)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return "", nil
	}
	text, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		return "", fmt.Errorf("converting article to markdown: %w", err)
	}
	return strings.TrimSpace(text), nil
}

package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

var invisibles = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u200e", "",
	"\u200f", "",
	"\ufeff", "",
	"\u00a0", " ",
)

// CleanText strips markup, collapses whitespace, and returns NFC text.
func CleanText(raw string) string {
	text := raw
	if strings.ContainsAny(text, "<&") {
		text = stripMarkup(text)
	}
	text = invisibles.Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	return norm.NFC.String(text)
}

func stripMarkup(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	doc.Find("script, style, noscript").Remove()
	// Block elements would otherwise glue adjacent paragraphs together.
	doc.Find("p, br, div, li, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return doc.Text()
}

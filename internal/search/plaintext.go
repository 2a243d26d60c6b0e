package search

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

// PlainText strips HTML markup from a message body and collapses the
// whitespace left behind, producing the text fed to the embedding model and
// stored in the index body field.
func PlainText(body string) string {
	text := stripPolicy.Sanitize(body)
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

// Package sanitize neutralizes text and markup before it reaches the widget.
//
// Escape is applied exactly once to every piece of untrusted text (questions,
// column names, cell values, SQL, error descriptions). Fragment is a second
// gate applied to whole rendered messages: it only lets through the handful of
// elements the widget itself emits.
package sanitize

import (
	"html"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// Escape returns text with every markup-significant character replaced by
// its entity, so nothing in it is interpreted as structure.
func Escape(text string) string {
	return html.EscapeString(text)
}

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// Policy returns the allow-list for widget message markup.
func Policy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements("table", "thead", "tbody", "tr", "th", "td", "em", "strong", "br")
		p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("div", "span")
		// div and span carry no meaning without a class, but must survive
		// even when a class is absent.
		p.AllowElements("div", "span")
		policy = p
	})
	return policy
}

// Fragment filters rendered markup through Policy.
func Fragment(markup string) string {
	return Policy().Sanitize(markup)
}

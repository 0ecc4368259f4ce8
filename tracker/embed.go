package tracker

import (
	"html/template"
	"regexp"
	"strings"
)

// trackingPlaceholder matches {{.TrackingURL}} with optional inner spaces.
// Operator content is substituted, never executed as a template.
var trackingPlaceholder = regexp.MustCompile(`\{\{\s*\.TrackingURL\s*\}\}`)

// TrackingURL joins the public base URL and a token into the link embedded in mail.
func TrackingURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/track/" + token
}

// EmbedTrackingLink puts the tracking URL into content. Every
// {{.TrackingURL}} placeholder is replaced; content without one gets the
// link appended.
func EmbedTrackingLink(content, trackingURL string) string {
	escaped := template.HTMLEscapeString(trackingURL)
	if trackingPlaceholder.MatchString(content) {
		return trackingPlaceholder.ReplaceAllLiteralString(content, escaped)
	}
	return content + `<p><a href="` + escaped + `">Review the update</a></p>`
}

package utils

import (
	"regexp"
	"strings"
)

var (
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	scriptRegex = regexp.MustCompile(`(?is)<script.*?>.*?</script>`)
	handlerAttr = regexp.MustCompile(`(?i)\son\w+\s*=\s*(".*?"|'.*?')`)
	jsScheme    = regexp.MustCompile(`(?i)javascript:`)
)

func ValidateEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SanitizeHTML strips script blocks, inline event handlers and javascript: URLs.
func SanitizeHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = handlerAttr.ReplaceAllString(input, "")
	return jsScheme.ReplaceAllString(input, "")
}

// MaskEmail hides most of the local part: "john.doe@example.com" -> "jo***@example.com".
func MaskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

package composer

import (
	"html"
	"regexp"
	"strings"
)

var (
	// blockBreakPattern matches tags that end a visual line.
	blockBreakPattern = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/tr|/h[1-6])\s*>`)

	// invisiblePattern matches elements whose content is never rendered.
	invisiblePattern = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)\s*>`)

	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
	spacesPattern  = regexp.MustCompile(`[ \t]+`)
)

// HTMLToText gives a basic plain-text rendering of an HTML body, used when
// a message carries no text/plain alternative.
func HTMLToText(body string) string {
	if body == "" {
		return ""
	}

	result := invisiblePattern.ReplaceAllString(body, "")
	result = blockBreakPattern.ReplaceAllString(result, "\n")
	result = htmlTagPattern.ReplaceAllString(result, "")
	result = html.UnescapeString(result)
	result = strings.ReplaceAll(result, "\u00a0", " ")

	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacesPattern.ReplaceAllString(line, " "))
	}
	result = strings.Join(lines, "\n")

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}

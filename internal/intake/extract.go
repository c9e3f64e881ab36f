// Package intake turns user input into job sources: URLs pasted as free
// text, and media files dropped into a watched directory.
package intake

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// trimCutset is the punctuation commonly glued to URLs in chat or prose.
const trimCutset = ".,;!?`\"'()[]<>"

// ExtractURLs finds http(s) links in text, strips surrounding punctuation and
// removes duplicates, keeping first-seen order. When no link is found, every
// non-empty trimmed line is returned instead so bare direct links still work.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		u := strings.Trim(raw, trimCutset)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	if len(out) > 0 {
		return out
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}

package importer

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultTitleMaxLength caps derived question titles, in runes.
const DefaultTitleMaxLength = 100

const (
	ellipsis          = "..."
	placeholderLayout = "2006-01-02 15:04:05"
)

// DeriveTitle builds a bounded title from the first non-blank line of the
// statement. Long lines are cut and suffixed with an ellipsis; an empty
// statement yields a timestamped placeholder.
func DeriveTitle(statement string, maxLen int, now time.Time) string {
	if maxLen <= len(ellipsis) {
		maxLen = DefaultTitleMaxLength
	}
	line := firstLine(statement)
	if line == "" {
		return "Imported question " + now.UTC().Format(placeholderLayout)
	}
	if utf8.RuneCountInString(line) <= maxLen {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxLen-len(ellipsis)])) + ellipsis
}

// ComposeBody appends every non-blank image URL to the statement as an
// embedded markdown image.
func ComposeBody(statement string, images []string) string {
	body := strings.TrimSpace(statement)
	var b strings.Builder
	b.WriteString(body)
	n := 0
	for _, raw := range images {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		n++
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "![image %d](%s)", n, url)
	}
	return b.String()
}

func firstLine(s string) string {
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

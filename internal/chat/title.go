package chat

import "strings"

const (
	jobPrefix     = "Job:"
	askPrefix     = "Ask:"
	successPrefix = "Success looks like:"
)

// DeriveTitle builds a short task title and subtitle from the raw message
// text. A line starting with "Job:" wins the title; a line starting with
// "Ask:" or "Success looks like:" wins the subtitle. Absent those markers
// the first line is the title and the second the subtitle.
func DeriveTitle(text string) (title, subtitle string) {
	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) == 0 {
		return "", ""
	}

	title = lines[0]
	for _, ln := range lines {
		if rest, ok := strings.CutPrefix(ln, jobPrefix); ok {
			title = strings.TrimSpace(rest)
			break
		}
	}
	for _, ln := range lines {
		if rest, ok := strings.CutPrefix(ln, askPrefix); ok {
			subtitle = strings.TrimSpace(rest)
			break
		}
		if rest, ok := strings.CutPrefix(ln, successPrefix); ok {
			subtitle = strings.TrimSpace(rest)
			break
		}
	}
	if subtitle == "" && len(lines) > 1 && lines[1] != title {
		subtitle = lines[1]
	}
	return title, subtitle
}

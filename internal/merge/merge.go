package merge

import "strings"

const (
	stripSeparator = "\n"
	pageSeparator  = "\n\n"
)

// PageResult is the merged text of one page.
type PageResult struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// Page joins strip texts in the given order, trimming each and dropping blanks.
func Page(strips []string) string {
	return joinNonEmpty(strips, stripSeparator)
}

// Document joins page texts in ascending page order; empty pages are skipped.
// Callers pass results already ordered by page number.
func Document(results []PageResult) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	return joinNonEmpty(texts, pageSeparator)
}

func joinNonEmpty(parts []string, sep string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, sep)
}

// Counts returns whitespace-delimited word count and rune count.
func Counts(text string) (wordCount int, charCount int) {
	charCount = len([]rune(text))
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			if inWord {
				wordCount++
				inWord = false
			}
			continue
		}
		inWord = true
	}
	if inWord {
		wordCount++
	}
	return
}

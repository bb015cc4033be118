package ocr

import (
	"regexp"
	"strings"
)

// cleanText applies light-touch cleaning to raw OCR output:
//   - Strips zero-width / invisible unicode characters
//   - Removes markdown image references and standalone image-filename lines
//   - Normalises line endings and collapses excessive blank lines
var (
	zeroWidthChars     = regexp.MustCompile("[\u200B-\u200D\uFEFF\u00AD\u2060]")
	markdownImageRef   = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	standaloneFileName = regexp.MustCompile(`(?mi)^[\w-]+\.(jpeg|jpg|png|gif|webp|svg|bmp|tiff?)[ \t]*$`)
	excessiveNewlines  = regexp.MustCompile(`\n{3,}`)
	trailingSpaces     = regexp.MustCompile(`(?m)[ \t]+$`)
)

func cleanText(text string) string {
	if text == "" {
		return ""
	}

	text = zeroWidthChars.ReplaceAllString(text, "")
	text = markdownImageRef.ReplaceAllString(text, "")
	text = standaloneFileName.ReplaceAllString(text, "")

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00A0", " ")

	text = trailingSpaces.ReplaceAllString(text, "")
	text = excessiveNewlines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

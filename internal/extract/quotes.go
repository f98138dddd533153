package extract

import "strings"

// CleanQuotationMarks strips at most one leading and one trailing quote
// character (' or ") and trims surrounding whitespace.
func CleanQuotationMarks(text string) string {
	return strings.TrimSpace(edgeQuoteRe.ReplaceAllString(text, ""))
}

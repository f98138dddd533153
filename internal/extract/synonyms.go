package extract

import (
	"regexp"
	"strings"
)

// DefaultMaxSynonyms is the list bound used when callers pass a non-positive
// maxCount.
const DefaultMaxSynonyms = 6

// minCommaItems is the number of comma-separated items below which the
// numbered-list reading is tried instead.
const minCommaItems = 5

var (
	introRe       = regexp.MustCompile(`(?i)here are \d+ (?:alternatives|synonyms):?`)
	edgeQuoteRe   = regexp.MustCompile(`^["']|["']$`)
	ordinalRe     = regexp.MustCompile(`^[\d.]+\s*`)
	anyQuoteRe    = regexp.MustCompile(`['"]`)
	numberedRe    = regexp.MustCompile(`\d+\.\s*([^\n]+)`)
	boilerplateRe = regexp.MustCompile(`^(?:here|format|do not|give me|provide)`)
)

// ParseSynonyms splits model text into at most maxCount alternatives, keeping
// the order the model produced them in.
//
// The text is first read as a comma-separated list. When that yields fewer
// than five items and the text contains a numbered list ("1. joy"), the
// numbered entries are used instead. Entries that echo the prompt ("here",
// "format", "do not", "give me", "provide") are dropped after truncation, so
// the result may be shorter than maxCount. No deduplication is performed.
func ParseSynonyms(text string, maxCount int) []string {
	if maxCount <= 0 {
		maxCount = DefaultMaxSynonyms
	}

	cleaned := introRe.ReplaceAllString(text, "")
	cleaned = strings.TrimSpace(edgeQuoteRe.ReplaceAllString(cleaned, ""))

	items := splitCommaList(cleaned)
	if len(items) < minCommaItems {
		if numbered := numberedEntries(cleaned); numbered != nil {
			items = numbered
		}
	}

	if len(items) > maxCount {
		items = items[:maxCount]
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if boilerplateRe.MatchString(strings.ToLower(item)) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func splitCommaList(text string) []string {
	var items []string
	for _, seg := range strings.Split(text, ",") {
		seg = strings.TrimSpace(seg)
		seg = ordinalRe.ReplaceAllString(seg, "")
		seg = strings.TrimSpace(anyQuoteRe.ReplaceAllString(seg, ""))
		if seg == "" || strings.Contains(strings.ToLower(seg), "alternative") {
			continue
		}
		items = append(items, seg)
	}
	return items
}

// numberedEntries returns the trimmed bodies of "<digits>. <rest>" entries,
// or nil when the text has no numbered entry at all.
func numberedEntries(text string) []string {
	matches := numberedRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		if entry := strings.TrimSpace(m[1]); entry != "" {
			items = append(items, entry)
		}
	}
	return items
}

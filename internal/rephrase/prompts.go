package rephrase

import (
	"fmt"
	"strings"
)

const (
	starSystemPrompt = "You are a helpful assistant that rephrases sentences using the STAR method."
	starUserPrompt   = `Rephrase the following sentence using the STAR method framework: "%s"`

	toneSystemPrompt = "You are a helpful assistant that rephrases sentences to be %s."
	toneUserPrompt   = `Rephrase the following sentence: "%s"`

	synonymSystemPrompt = "You are a helpful assistant that provides synonyms. Provide exactly %d synonyms."
	synonymUserPrompt   = `Give me exactly %d alternatives for: "%s"`
)

// Output format instructions appended to the system prompt. Structured
// requests describe the JSON object the decoder expects; streamed requests ask
// for bare text the extractor can clean up.
const (
	starJSONFormat = `Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"situation": "<the context or situation>", "task": "<the objective or challenge>", "action": "<the specific steps taken>", "result": "<the outcome or impact>"}`

	toneJSONFormat = `Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"rephrased": "<the rephrased sentence matching the '%s' tone>"}`

	synonymJSONFormat = `Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"synonyms": ["<synonym>", ...]} with exactly %d entries.`

	toneTextFormat    = "Respond with only the rephrased sentence."
	synonymTextFormat = "Respond with a single comma-separated list of the synonyms and nothing else."
)

// prompt is one system/user pair ready to be sent.
type prompt struct {
	system string
	user   string
}

func withFormat(system, format string) string {
	return system + "\n\n" + format
}

func starPrompt(sentence string) prompt {
	return prompt{
		system: withFormat(starSystemPrompt, starJSONFormat),
		user:   fmt.Sprintf(starUserPrompt, sentence),
	}
}

func tonePrompt(sentence, sentiment string, mode Mode) prompt {
	format := toneTextFormat
	if mode == ModeStructured {
		format = fmt.Sprintf(toneJSONFormat, sentiment)
	}
	return prompt{
		system: withFormat(fmt.Sprintf(toneSystemPrompt, sentiment), format),
		user:   fmt.Sprintf(toneUserPrompt, sentence),
	}
}

func synonymPrompt(word string, count int, mode Mode) prompt {
	format := synonymTextFormat
	if mode == ModeStructured {
		format = fmt.Sprintf(synonymJSONFormat, count)
	}
	return prompt{
		system: withFormat(fmt.Sprintf(synonymSystemPrompt, count), format),
		user:   fmt.Sprintf(synonymUserPrompt, count, word),
	}
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output even when told not to.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

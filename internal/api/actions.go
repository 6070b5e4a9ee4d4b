package api

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ActionResult is the payload returned to the widget after a debited action
type ActionResult map[string]any

// ExecuteAction runs the text processing behind a metered action. It runs
// after the debit; a failure here is not refunded automatically.
func ExecuteAction(action, input string) (ActionResult, error) {
	if !utf8.ValidString(input) {
		return nil, fmt.Errorf("input is not valid UTF-8")
	}

	words := strings.Fields(input)

	switch normalizeAction(action) {
	case "process":
		return ActionResult{
			"processed":  strings.ToUpper(input),
			"word_count": len(words),
			"char_count": utf8.RuneCountInString(input),
		}, nil

	case "analyze":
		letters := 0
		for _, w := range words {
			for _, r := range w {
				if unicode.IsLetter(r) || unicode.IsDigit(r) {
					letters++
				}
			}
		}
		avg := 0.0
		if len(words) > 0 {
			avg = float64(letters) / float64(len(words))
		}
		return ActionResult{
			"word_count":          len(words),
			"sentence_count":      countSentences(input),
			"average_word_length": fmt.Sprintf("%.2f", avg),
		}, nil

	case "generate":
		return ActionResult{
			"generated": fmt.Sprintf("Generated content based on: %s", input),
		}, nil

	default:
		return ActionResult{
			"echo":   input,
			"action": normalizeAction(action),
		}, nil
	}
}

func countSentences(input string) int {
	count := 0
	for _, part := range strings.FieldsFunc(input, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	return count
}

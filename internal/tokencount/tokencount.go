// Package tokencount provides the cheap length-to-token heuristic used for
// context budgeting. It deliberately avoids a real tokenizer: budgeting only
// needs a stable upper-bound estimate, not exact counts.
package tokencount

import "github.com/parley-ai/parley/pkg/models"

// CharsPerToken is the assumed average characters per token.
const CharsPerToken = 4

// Estimate returns ceil(len(s)/4). Estimate("") == 0.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessages sums the content estimates of a message window.
func EstimateMessages(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m.Content)
	}
	return total
}

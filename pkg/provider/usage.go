package provider

import (
	"github.com/pkoukk/tiktoken-go"
)

// EstimateUsage fills in token counts for a request/response pair when the
// provider omitted usage. Counts come from the cl100k_base encoding; if the
// encoding cannot be loaded the fallback is the rough four-characters-per-
// token heuristic.
func EstimateUsage(req *ChatRequest, responseContent string) Usage {
	var promptText string
	for _, msg := range req.Messages {
		promptText += msg.Content
	}

	prompt := countTokens(promptText)
	completion := countTokens(responseContent)

	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func countTokens(text string) int {
	if text == "" {
		return 0
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(text) / 4
	}

	return len(encoding.Encode(text, nil, nil))
}

package provider

const (
	// charsPerToken is the fixed character-to-token ratio used when the
	// upstream omits usage.
	charsPerToken = 3

	// promptOverheadTokens covers system prompt framing, role markers, and
	// tool schemas that the character count misses.
	promptOverheadTokens = 500
)

// EstimateUsage approximates token usage from transcript characters when a
// stream finished without a usage chunk. output is the concatenated visible
// and reasoning text the stream produced. Estimates always round up so
// billing errs against undercharging.
func EstimateUsage(req *Request, output string) *Usage {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content) + len(m.Thinking)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}

	usage := &Usage{
		InputTokens: tokensForChars(chars) + promptOverheadTokens,
		Estimated:   true,
	}
	if output != "" {
		usage.OutputTokens = tokensForChars(len(output))
	}
	return usage
}

func tokensForChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

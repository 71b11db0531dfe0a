// ABOUTME: Token-budget truncation shared by all provider adapters
// ABOUTME: Drops oldest non-system messages first when the context is over budget

package provider

// estimateTokens approximates the token count of a message list. Four bytes
// per token is the usual rule of thumb for English text and keeps the
// gateway free of any tokenizer dependency; budgets are configured with
// headroom to absorb the error.
func estimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 4 // small per-message framing overhead
	}
	return total
}

// TruncateToBudget removes the oldest non-system messages until the
// estimated token count fits budget, returning the kept messages and the
// number dropped. System messages are always retained, as is the final
// message (the new user turn). A budget <= 0 disables truncation.
func TruncateToBudget(msgs []Message, budget int) ([]Message, int) {
	if budget <= 0 || estimateTokens(msgs) <= budget {
		return msgs, 0
	}

	kept := make([]Message, len(msgs))
	copy(kept, msgs)

	dropped := 0
	for estimateTokens(kept) > budget {
		idx := -1
		for i, m := range kept {
			if m.Role == RoleSystem {
				continue
			}
			if i == len(kept)-1 {
				// Never drop the newest message.
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			break
		}
		kept = append(kept[:idx], kept[idx+1:]...)
		dropped++
	}

	return kept, dropped
}

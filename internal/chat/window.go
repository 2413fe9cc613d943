package chat

// Window bounds a turn list to the configured conversation memory. When the
// list is over the limit, a leading system turn is always retained and the
// rest is dropped from the front. Pure and idempotent: windowing an already
// windowed list is a no-op.
//
// max must be >= 1; configuration with a smaller value is rejected at
// startup, so Window never has to guess a fallback.
func Window(turns []Turn, max int) []Turn {
	if len(turns) <= max {
		return turns
	}
	if turns[0].Role == RoleSystem {
		kept := make([]Turn, 0, max)
		kept = append(kept, turns[0])
		kept = append(kept, turns[len(turns)-(max-1):]...)
		return kept
	}
	return turns[len(turns)-max:]
}

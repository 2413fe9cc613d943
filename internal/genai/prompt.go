package genai

import (
	"strings"

	"courseassist/internal/chat"
	"courseassist/internal/config"
)

// sourceMarker is the substring whose presence suppresses the instruction
// rewrite: the user already asked about sources themselves.
const sourceMarker = "source:"

// InstructionRules maps a model name to its outbound rewrite rule, with
// "default" as the fallback entry. Loaded once from configuration.
type InstructionRules map[string]config.ModelRule

func (r InstructionRules) forModel(model string) config.ModelRule {
	if rule, ok := r[model]; ok {
		return rule
	}
	return r["default"]
}

// applyInstruction appends the model's source instruction to the latest
// user turn of the outbound copy. Pure text rewrite, applied once per
// upstream call; the stored history is never touched. Skipped when the
// content already mentions the marker substring.
func applyInstruction(rules InstructionRules, model string, turns []chat.Turn) []chat.Turn {
	rule := rules.forModel(model)
	if !rule.AddSourceInstruction || rule.SourceInstruction == "" || len(turns) == 0 {
		return turns
	}

	last := turns[len(turns)-1]
	if last.Role != chat.RoleUser {
		return turns
	}
	if strings.Contains(strings.ToLower(last.Content), sourceMarker) {
		return turns
	}

	rewritten := make([]chat.Turn, len(turns))
	copy(rewritten, turns)
	rewritten[len(turns)-1].Content = last.Content + rule.SourceInstruction
	return rewritten
}

package chat

import (
	"fmt"
	"testing"
)

func makeTurns(n int, withSystem bool) []Turn {
	turns := make([]Turn, 0, n)
	if withSystem {
		turns = append(turns, Turn{Role: RoleSystem, Content: "system prompt"})
	}
	for i := len(turns); i < n; i++ {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return turns
}

func TestWindowUnderLimitUnchanged(t *testing.T) {
	turns := makeTurns(5, false)
	got := Window(turns, 10)
	if len(got) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(got))
	}
	for i := range turns {
		if got[i].Content != turns[i].Content {
			t.Fatalf("turn %d changed: %q", i, got[i].Content)
		}
	}
}

func TestWindowDropsOldestWithoutSystem(t *testing.T) {
	turns := makeTurns(60, false)
	got := Window(turns, 50)
	if len(got) != 50 {
		t.Fatalf("expected 50 turns, got %d", len(got))
	}
	if got[0].Content != turns[10].Content {
		t.Fatalf("expected window to start at turn 10, got %q", got[0].Content)
	}
	if got[49].Content != turns[59].Content {
		t.Fatalf("expected window to end at newest turn, got %q", got[49].Content)
	}
}

func TestWindowKeepsLeadingSystemTurn(t *testing.T) {
	turns := makeTurns(60, true)
	got := Window(turns, 50)
	if len(got) != 50 {
		t.Fatalf("expected 50 turns, got %d", len(got))
	}
	if got[0].Role != RoleSystem {
		t.Fatalf("expected system turn retained, got %s", got[0].Role)
	}
	if got[1].Content != turns[11].Content {
		t.Fatalf("expected remainder to be the most recent 49, got %q", got[1].Content)
	}
}

func TestWindowNeverExceedsMax(t *testing.T) {
	for _, n := range []int{0, 1, 2, 49, 50, 51, 200} {
		for _, max := range []int{1, 2, 50} {
			for _, withSystem := range []bool{false, true} {
				got := Window(makeTurns(n, withSystem), max)
				if len(got) > max {
					t.Fatalf("n=%d max=%d system=%v: got %d turns", n, max, withSystem, len(got))
				}
			}
		}
	}
}

func TestWindowIdempotent(t *testing.T) {
	turns := makeTurns(73, true)
	once := Window(turns, 50)
	twice := Window(once, 50)
	if len(once) != len(twice) {
		t.Fatalf("second pass changed length: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("second pass changed turn %d", i)
		}
	}
}

func TestWindowMaxOneWithSystem(t *testing.T) {
	got := Window(makeTurns(10, true), 1)
	if len(got) != 1 || got[0].Role != RoleSystem {
		t.Fatalf("expected only the system turn, got %+v", got)
	}
}

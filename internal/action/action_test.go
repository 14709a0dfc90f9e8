package action

import "testing"

func TestParseE2Scenario(t *testing.T) {
	response := "THINKING: looking at a menu\n" +
		"LINE: Hello world\n" +
		"KEY: enter\n" +
		"WAIT: 500\n" +
		"WAIT: 99999\n" +
		"KEY: ⌘\n" +
		"MEMORY: noted\n"

	got := Parse(response)
	want := []Action{
		{Kind: Thinking, Text: "looking at a menu"},
		{Kind: Line, Text: "Hello world"},
		{Kind: Key, Text: "enter"},
		{Kind: Wait, Ms: 500},
		{Kind: Wait, Ms: 30000},
		{Kind: Memory, Text: "noted"},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d actions, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("action[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseIgnoresUnmatchedLines(t *testing.T) {
	got := Parse("not an action\nLINE: hi\nrandom garbage")
	if len(got) != 1 || got[0].Kind != Line || got[0].Text != "hi" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseKeyAcceptsSingleChar(t *testing.T) {
	got := Parse("KEY: q")
	if len(got) != 1 || got[0].Text != "q" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseKeyCaseInsensitivePrefixAndLowercasesValue(t *testing.T) {
	got := Parse("key: ENTER")
	if len(got) != 1 || got[0].Kind != Key || got[0].Text != "enter" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseWaitUnparseableDefaultsTo1000(t *testing.T) {
	got := Parse("WAIT: not-a-number")
	if len(got) != 1 || got[0].Ms != 1000 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseWaitClampsNegative(t *testing.T) {
	got := Parse("WAIT: -50")
	if len(got) != 1 || got[0].Ms != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseEmptyResultYieldsSyntheticFallback(t *testing.T) {
	got := Parse("this response has no recognized action lines at all")
	if len(got) != 2 {
		t.Fatalf("got %d actions, want 2 synthetic fallback actions: %+v", len(got), got)
	}
	if got[0].Kind != Thinking || got[1].Kind != Wait || got[1].Ms != 2000 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseBlankResponseYieldsNoActions(t *testing.T) {
	got := Parse("   \n\n  ")
	if len(got) != 0 {
		t.Fatalf("got %+v, want no actions for blank input", got)
	}
}

func TestParseDisconnect(t *testing.T) {
	got := Parse("DISCONNECT: done for the night")
	if len(got) != 1 || got[0].Kind != Disconnect || got[0].Text != "done for the night" {
		t.Fatalf("got %+v", got)
	}
}

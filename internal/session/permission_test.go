package session

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPermTableResolvesExactlyOnce(t *testing.T) {
	table := newPermTable()

	var got []permOutcome
	table.add("tc1", func(out permOutcome) { got = append(got, out) })
	if n := table.count(); n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}

	answer := &PermissionAnswer{OptionID: "allow", Answers: json.RawMessage(`{"path":"/tmp"}`)}
	if err := table.resolve("tc1", permOutcome{answer: answer}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected resolver to run once, ran %d times", len(got))
	}
	if got[0].answer.OptionID != "allow" {
		t.Errorf("expected option allow, got %q", got[0].answer.OptionID)
	}
	if n := table.count(); n != 0 {
		t.Errorf("expected 0 pending after resolve, got %d", n)
	}

	// A second response to the same tool call finds no pending entry.
	err := table.resolve("tc1", permOutcome{answer: answer})
	if !errors.Is(err, ErrNoPendingPermission) {
		t.Errorf("expected ErrNoPendingPermission, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected resolver to stay at 1 run, got %d", len(got))
	}
}

func TestPermTableResolveUnknown(t *testing.T) {
	table := newPermTable()
	err := table.resolve("missing", permOutcome{})
	if !errors.Is(err, ErrNoPendingPermission) {
		t.Errorf("expected ErrNoPendingPermission, got %v", err)
	}
}

func TestPermTableRemove(t *testing.T) {
	table := newPermTable()
	ran := false
	table.add("tc1", func(permOutcome) { ran = true })

	if !table.remove("tc1") {
		t.Fatalf("expected remove to report the entry")
	}
	if ran {
		t.Errorf("expected resolver not to run on remove")
	}
	if table.remove("tc1") {
		t.Errorf("expected second remove to report nothing")
	}
	if err := table.resolve("tc1", permOutcome{}); !errors.Is(err, ErrNoPendingPermission) {
		t.Errorf("expected ErrNoPendingPermission after remove, got %v", err)
	}
}

func TestPermTableDrain(t *testing.T) {
	table := newPermTable()
	outcomes := make(map[string]permOutcome)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		table.add(id, func(out permOutcome) { outcomes[id] = out })
	}

	table.drain(permOutcome{message: "session terminated", interrupt: true})

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 resolved, got %d", len(outcomes))
	}
	for id, out := range outcomes {
		if out.answer != nil {
			t.Errorf("%s: expected nil answer on drain", id)
		}
		if out.message != "session terminated" {
			t.Errorf("%s: expected message %q, got %q", id, "session terminated", out.message)
		}
		if !out.interrupt {
			t.Errorf("%s: expected interrupt", id)
		}
	}
	if n := table.count(); n != 0 {
		t.Errorf("expected 0 pending after drain, got %d", n)
	}
}

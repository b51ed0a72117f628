package tally

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/liveballot/pkg/ballot"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*ballot.Store, *Engine) {
	t.Helper()
	store := ballot.NewStore(ballot.Default())
	store.SetClock(func() time.Time { return epoch })
	return store, NewEngine(store)
}

func assertCounts(t *testing.T, e *Engine, want []int) {
	t.Helper()
	if got := e.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
}

func TestCastVoteOverwrites(t *testing.T) {
	_, e := newTestEngine(t)

	if err := e.CastVote("A", 1); err != nil {
		t.Fatal(err)
	}
	if err := e.CastVote("B", 1); err != nil {
		t.Fatal(err)
	}
	assertCounts(t, e, []int{0, 2, 0, 0})

	if err := e.CastVote("B", 2); err != nil {
		t.Fatal(err)
	}
	assertCounts(t, e, []int{0, 1, 1, 0})
	if e.Voters() != 2 {
		t.Errorf("Voters() = %d, want 2", e.Voters())
	}
}

func TestCastVoteRetract(t *testing.T) {
	_, e := newTestEngine(t)
	_ = e.CastVote("A", 0)
	if err := e.CastVote("A", Retract); err != nil {
		t.Fatalf("retract error = %v", err)
	}
	assertCounts(t, e, []int{0, 0, 0, 0})
	if choice, ok := e.Choice("A"); !ok || choice != Retract {
		t.Errorf("Choice(A) = %d, %v; want retract entry", choice, ok)
	}
	if e.Voters() != 0 {
		t.Errorf("Voters() = %d, want 0", e.Voters())
	}
}

func TestCastVoteRejected(t *testing.T) {
	store, e := newTestEngine(t)

	if err := e.CastVote("", 0); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("empty identifier error = %v", err)
	}
	for _, choice := range []int{-2, 4, 100} {
		if err := e.CastVote("A", choice); !errors.Is(err, ErrInvalidChoice) {
			t.Errorf("CastVote(%d) error = %v, want ErrInvalidChoice", choice, err)
		}
	}
	if _, ok := e.Choice("A"); ok {
		t.Error("rejected votes must not reach the ledger")
	}

	if _, err := store.Replace(ballot.Spec{Choices: []string{"x", "y"}, Expires: epoch.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	store.SetClock(func() time.Time { return epoch.Add(time.Minute) })
	if err := e.CastVote("A", 0); !errors.Is(err, ErrBallotExpired) {
		t.Errorf("expired ballot error = %v", err)
	}
	assertCounts(t, e, []int{0, 0})
}

func TestReplaceClearsLedger(t *testing.T) {
	store, e := newTestEngine(t)
	_ = e.CastVote("A", 1)
	_ = e.CastVote("B", 1)

	var results []Result
	e.OnReset(func(r Result) { results = append(results, r) })

	if _, err := store.Replace(ballot.Spec{Question: "next", Choices: []string{"x", "y"}}); err != nil {
		t.Fatal(err)
	}
	assertCounts(t, e, []int{0, 0})

	if len(results) != 1 {
		t.Fatalf("reset hook calls = %d, want 1", len(results))
	}
	r := results[0]
	if r.Question != "Question from server" || !reflect.DeepEqual(r.Counts, []int{0, 2, 0, 0}) || r.Voters != 2 {
		t.Errorf("Result = %+v", r)
	}
	if !r.ClosedAt.Equal(epoch) {
		t.Errorf("ClosedAt = %v, want %v", r.ClosedAt, epoch)
	}

	// A rejected replacement must leave the ledger alone.
	_ = e.CastVote("A", 0)
	if _, err := store.Replace(ballot.Spec{}); err == nil {
		t.Fatal("empty spec should be rejected")
	}
	assertCounts(t, e, []int{1, 0})
}

func TestResetHooksSeeSameResult(t *testing.T) {
	store, e := newTestEngine(t)
	_ = e.CastVote("A", 3)

	var first, second []Result
	e.OnReset(func(r Result) {
		first = append(first, r)
		// Registering from inside a hook applies to later resets only.
		e.OnReset(func(r Result) { second = append(second, r) })
	})

	if _, err := store.Replace(ballot.Spec{Question: "one", Choices: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("after first reset: hook calls = %d, %d; want 1, 0", len(first), len(second))
	}
	if !reflect.DeepEqual(first[0].Counts, []int{0, 0, 0, 1}) {
		t.Errorf("Counts = %v, want [0 0 0 1]", first[0].Counts)
	}

	if _, err := store.Replace(ballot.Spec{Question: "two", Choices: []string{"b"}}); err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("after second reset: hook calls = %d, %d; want 2, 1", len(first), len(second))
	}
	if second[0].Question != "one" {
		t.Errorf("second hook Question = %q, want one", second[0].Question)
	}
}

func TestPrune(t *testing.T) {
	_, e := newTestEngine(t)
	_ = e.CastVote("A", 0)
	_ = e.CastVote("B", 1)
	_ = e.CastVote("C", 1)

	removed := e.Prune(func(id string) bool { return id != "B" })
	if removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}
	assertCounts(t, e, []int{1, 1, 0, 0})

	e.Clear()
	assertCounts(t, e, []int{0, 0, 0, 0})
}

func TestConcurrentVotesAndReplace(t *testing.T) {
	store, e := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = e.CastVote(string(rune('a'+i)), j%4)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_, _ = store.Replace(ballot.Spec{Choices: []string{"a", "b", "c", "d"}})
		}
	}()
	wg.Wait()

	counts := e.Snapshot()
	total := 0
	for _, n := range counts {
		total += n
	}
	if len(counts) != 4 || total > 8 {
		t.Errorf("Snapshot() = %v, at most 8 votes expected", counts)
	}
}

func TestParseLedgerPolicy(t *testing.T) {
	for in, want := range map[string]LedgerPolicy{"": PruneDisconnected, "prune": PruneDisconnected, "retain": RetainUntilReplace} {
		got, err := ParseLedgerPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseLedgerPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseLedgerPolicy("forever"); err == nil {
		t.Error("unknown policy should fail")
	}
	if !PruneDisconnected.PrunesOnDisconnect() || RetainUntilReplace.PrunesOnDisconnect() {
		t.Error("PrunesOnDisconnect() wrong")
	}
}

// Package tally records one vote per identifier and derives per-choice
// counts for the current ballot.
//
// The ledger is cleared atomically with every ballot replacement: the engine
// registers a replace hook on the ballot store, so the clear happens inside
// the store's write lock. Lock order is always ballot store, then ledger.
package tally

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vango-dev/liveballot/pkg/ballot"
)

// Retract is the choice value that withdraws a vote without casting a new
// one. It is stored in the ledger but never counted.
const Retract = -1

var (
	// ErrNoIdentity is returned when a vote carries no identifier.
	ErrNoIdentity = errors.New("tally: vote has no identifier")

	// ErrBallotExpired is returned when the current ballot has expired.
	ErrBallotExpired = errors.New("tally: ballot expired")

	// ErrInvalidChoice is returned when the choice index is outside the
	// current ballot.
	ErrInvalidChoice = errors.New("tally: invalid choice")
)

// Result is the final tally of a ballot, reported when it is replaced.
type Result struct {
	Question    string
	Choices     []string
	Counts      []int
	Voters      int
	PublishedAt time.Time
	Expires     time.Time
	ClosedAt    time.Time
}

// Engine is the vote ledger bound to a ballot store.
type Engine struct {
	store *ballot.Store

	mu      sync.Mutex
	votes   map[string]int
	onReset []func(Result)
}

// NewEngine creates an engine and binds its reset to store replacements.
func NewEngine(store *ballot.Store) *Engine {
	e := &Engine{
		store: store,
		votes: make(map[string]int),
	}
	store.OnReplace(e.reset)
	return e
}

// OnReset registers fn to receive the final counts of every replaced
// ballot. fn runs while the ballot store is write locked and must not block.
func (e *Engine) OnReset(fn func(Result)) {
	e.mu.Lock()
	e.onReset = append(e.onReset, fn)
	e.mu.Unlock()
}

// CastVote records choice for identifier, replacing any earlier vote.
func (e *Engine) CastVote(identifier string, choice int) error {
	if identifier == "" {
		return ErrNoIdentity
	}

	var err error
	e.store.View(func(b ballot.Ballot, now time.Time) {
		if b.Expired(now) {
			err = ErrBallotExpired
			return
		}
		if choice != Retract && (choice < 0 || choice >= b.Len()) {
			err = fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidChoice, choice, b.Len())
			return
		}
		e.mu.Lock()
		e.votes[identifier] = choice
		e.mu.Unlock()
	})
	return err
}

// Snapshot returns the per-choice counts of the current ballot.
func (e *Engine) Snapshot() []int {
	var counts []int
	e.store.View(func(b ballot.Ballot, _ time.Time) {
		e.mu.Lock()
		counts = e.countLocked(b.Len())
		e.mu.Unlock()
	})
	return counts
}

// countLocked makes one pass over the ledger. Retractions and indices
// outside [0, n) are skipped.
func (e *Engine) countLocked(n int) []int {
	counts := make([]int, n)
	for _, choice := range e.votes {
		if choice >= 0 && choice < n {
			counts[choice]++
		}
	}
	return counts
}

// Voters returns the number of identifiers with a counted vote.
func (e *Engine) Voters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, choice := range e.votes {
		if choice != Retract {
			n++
		}
	}
	return n
}

// Choice returns the ledger entry for identifier.
func (e *Engine) Choice(identifier string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	choice, ok := e.votes[identifier]
	return choice, ok
}

// Clear drops every ledger entry.
func (e *Engine) Clear() {
	e.mu.Lock()
	clear(e.votes)
	e.mu.Unlock()
}

// Prune removes every entry whose identifier keep rejects and returns how
// many were removed. keep is called with the ledger locked.
func (e *Engine) Prune(keep func(identifier string) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id := range e.votes {
		if !keep(id) {
			delete(e.votes, id)
			removed++
		}
	}
	return removed
}

func (e *Engine) reset(prev, next ballot.Ballot) {
	e.mu.Lock()
	result := Result{
		Question:    prev.Question,
		Choices:     append([]string(nil), prev.Choices...),
		Counts:      e.countLocked(prev.Len()),
		PublishedAt: prev.PublishedAt,
		Expires:     prev.Expires,
		ClosedAt:    next.PublishedAt,
	}
	for _, n := range result.Counts {
		result.Voters += n
	}
	clear(e.votes)
	hooks := make([]func(Result), len(e.onReset))
	copy(hooks, e.onReset)
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(result)
	}
}

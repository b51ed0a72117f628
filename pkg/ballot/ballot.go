// Package ballot holds the single current ballot of the server.
//
// A ballot is replaced wholesale, never edited in place. Components that
// derive state from the ballot (the tally ledger) register a replace hook,
// which runs under the store's write lock so that no reader can observe the
// new ballot paired with state derived from the old one.
package ballot

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxChoices bounds the number of choices a ballot may carry.
const MaxChoices = 64

// ErrInvalidBallot is returned by Replace when the proposed ballot is
// rejected. The previous ballot stays in effect.
var ErrInvalidBallot = errors.New("ballot: invalid ballot")

// Ballot is an immutable snapshot of a published ballot.
type Ballot struct {
	Question string
	Choices  []string

	// Expires is the instant after which votes are refused.
	// The zero value means the ballot never expires.
	Expires time.Time

	PublishedAt time.Time
}

// Default returns the placeholder ballot served before an admin publishes one.
func Default() Ballot {
	return Ballot{
		Question: "Question from server",
		Choices: []string{
			"Choice 1 from server",
			"Choice 2 from server",
			"Choice 3 from server",
			"Choice 4 from server",
		},
	}
}

// HasExpiry reports whether the ballot has an expiration instant.
func (b Ballot) HasExpiry() bool {
	return !b.Expires.IsZero()
}

// Expired reports whether votes are refused at now.
func (b Ballot) Expired(now time.Time) bool {
	return b.HasExpiry() && !now.Before(b.Expires)
}

// Duration is the lifetime the ballot had when it was published.
// Zero when the ballot has no expiration.
func (b Ballot) Duration() time.Duration {
	if !b.HasExpiry() {
		return 0
	}
	return b.Expires.Sub(b.PublishedAt)
}

// Len returns the number of choices.
func (b Ballot) Len() int {
	return len(b.Choices)
}

func (b Ballot) clone() Ballot {
	b.Choices = append([]string(nil), b.Choices...)
	return b
}

// Spec describes a ballot to publish.
type Spec struct {
	Question string
	Choices  []string

	// Expires takes precedence over Duration when both are set.
	Expires  time.Time
	Duration time.Duration
}

// Validate checks s against now and returns the ballot it would publish.
func (s Spec) Validate(now time.Time) (Ballot, error) {
	switch {
	case len(s.Choices) == 0:
		return Ballot{}, fmt.Errorf("%w: no choices", ErrInvalidBallot)
	case len(s.Choices) > MaxChoices:
		return Ballot{}, fmt.Errorf("%w: %d choices exceeds limit of %d", ErrInvalidBallot, len(s.Choices), MaxChoices)
	case s.Duration < 0:
		return Ballot{}, fmt.Errorf("%w: negative duration %s", ErrInvalidBallot, s.Duration)
	}

	b := Ballot{
		Question:    s.Question,
		Choices:     append([]string(nil), s.Choices...),
		Expires:     s.Expires,
		PublishedAt: now,
	}
	if b.Expires.IsZero() && s.Duration > 0 {
		b.Expires = now.Add(s.Duration)
	}
	if b.HasExpiry() && !b.Expires.After(now) {
		return Ballot{}, fmt.Errorf("%w: expiration %s is not in the future", ErrInvalidBallot, b.Expires.UTC().Format(time.RFC3339))
	}
	return b, nil
}

// Store holds the current ballot.
type Store struct {
	mu      sync.RWMutex
	current Ballot
	hooks   []func(prev, next Ballot)

	now func() time.Time
}

// NewStore creates a store serving initial until the first Replace.
func NewStore(initial Ballot) *Store {
	s := &Store{now: time.Now}
	if initial.PublishedAt.IsZero() {
		initial.PublishedAt = s.now()
	}
	s.current = initial.clone()
	return s
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Current returns a copy of the current ballot.
func (s *Store) Current() Ballot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// View runs fn with the current ballot while holding the read lock.
// A concurrent Replace waits until fn returns. fn must not call Replace.
func (s *Store) View(fn func(b Ballot, now time.Time)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.current, s.now())
}

// OnReplace registers fn to run on every successful Replace, under the
// write lock, before any reader can see next.
func (s *Store) OnReplace(fn func(prev, next Ballot)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Replace validates spec and, when it is acceptable, publishes it as the
// current ballot.
func (s *Store) Replace(spec Spec) (Ballot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := spec.Validate(s.now())
	if err != nil {
		return Ballot{}, err
	}

	prev := s.current
	s.current = next
	for _, hook := range s.hooks {
		hook(prev, next)
	}
	return next.clone(), nil
}

// Package archive writes out the final results of every replaced ballot.
//
// Records are write-only: the server never reads them back, and a failed
// write never affects live voting.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/liveballot/pkg/tally"
)

// Record is the final tally of one ballot.
type Record struct {
	Question    string     `json:"question"`
	Choices     []string   `json:"choices"`
	Counts      []int      `json:"counts"`
	Voters      int        `json:"voters"`
	PublishedAt time.Time  `json:"publishedAt"`
	Expires     *time.Time `json:"expires,omitempty"`
	ClosedAt    time.Time  `json:"closedAt"`
}

// FromResult converts a tally result.
func FromResult(r tally.Result) Record {
	rec := Record{
		Question:    r.Question,
		Choices:     r.Choices,
		Counts:      r.Counts,
		Voters:      r.Voters,
		PublishedAt: r.PublishedAt.UTC(),
		ClosedAt:    r.ClosedAt.UTC(),
	}
	if !r.Expires.IsZero() {
		exp := r.Expires.UTC()
		rec.Expires = &exp
	}
	return rec
}

// Archiver persists a record.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// LogArchiver writes records to a logger.
type LogArchiver struct {
	Logger *slog.Logger
}

// Archive logs rec at info level.
func (a LogArchiver) Archive(ctx context.Context, rec Record) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "ballot closed",
		"question", rec.Question,
		"choices", rec.Choices,
		"counts", rec.Counts,
		"voters", rec.Voters,
		"closed_at", rec.ClosedAt)
	return nil
}

// Multi archives to every archiver in order and joins their errors.
type Multi []Archiver

// Archive calls each archiver even when an earlier one fails.
func (m Multi) Archive(ctx context.Context, rec Record) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Worker archives records in the background.
type Worker struct {
	archiver Archiver
	timeout  time.Duration
	onError  func(error)
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewWorker creates a worker. A timeout <= 0 defaults to 30 seconds.
func NewWorker(a Archiver, timeout time.Duration, logger *slog.Logger) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		archiver: a,
		timeout:  timeout,
		logger:   logger.With("component", "archive"),
	}
}

// SetOnError sets a callback for failed writes.
func (w *Worker) SetOnError(fn func(error)) {
	w.onError = fn
}

// Submit starts archiving rec and returns immediately.
func (w *Worker) Submit(rec Record) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		if err := w.archiver.Archive(ctx, rec); err != nil {
			w.logger.Error("archive ballot results",
				"question", rec.Question,
				"error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}()
}

// Wait blocks until every submitted record has been handled or ctx ends.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

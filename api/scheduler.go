/*
scheduler.go - Automated class completion

PURPOSE:
  Periodically closes classes that have ended: the occurrence becomes
  completed, confirmed registrations become attended and pending ones
  become no_show. Waitlisted registrations are left untouched; they never
  held a seat and carry no charge.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each occurrence is closed in its own transaction, so one bad row does
    not block the rest
  - Re-running is harmless: completed occurrences are no longer listed

USAGE:
  scheduler := NewCompletionScheduler(store, logger)
  scheduler.CheckInterval = cfg.Scheduler.Interval
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/studio-engine/studio"
)

// CompletionScheduler marks ended classes as completed.
type CompletionScheduler struct {
	Store         studio.TxStore
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewCompletionScheduler(store studio.TxStore, logger *slog.Logger) *CompletionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionScheduler{
		Store:         store,
		Logger:        logger,
		CheckInterval: time.Minute,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (cs *CompletionScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("completion scheduler disabled")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)
	go cs.run()

	cs.Logger.Info("completion scheduler started", slog.Duration("interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (cs *CompletionScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker == nil {
		return
	}
	cs.ticker.Stop()
	close(cs.stop)
	cs.wg.Wait()
	cs.ticker = nil
	cs.Logger.Info("completion scheduler stopped")
}

func (cs *CompletionScheduler) run() {
	defer cs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cs.stop
		cancel()
	}()

	cs.RunNow(ctx)
	for {
		select {
		case <-cs.ticker.C:
			cs.RunNow(ctx)
		case <-cs.stop:
			return
		}
	}
}

// RunNow performs one pass and returns how many occurrences were completed.
func (cs *CompletionScheduler) RunNow(ctx context.Context) int {
	occs, err := cs.Store.ListEndedOccurrences(ctx, cs.Now())
	if err != nil {
		cs.Logger.LogAttrs(ctx, slog.LevelError, "list ended occurrences",
			slog.String("error", err.Error()))
		return 0
	}

	completed := 0
	for _, occ := range occs {
		if ctx.Err() != nil {
			break
		}
		if err := cs.complete(ctx, occ.ID); err != nil {
			cs.Logger.LogAttrs(ctx, slog.LevelError, "complete occurrence",
				slog.String("occurrence_id", string(occ.ID)),
				slog.String("error", err.Error()))
			continue
		}
		completed++
	}

	if completed > 0 {
		cs.Logger.LogAttrs(ctx, slog.LevelInfo, "occurrences completed",
			slog.Int("completed", completed),
			slog.Int("found", len(occs)))
	}
	return completed
}

func (cs *CompletionScheduler) complete(ctx context.Context, id studio.OccurrenceID) error {
	return cs.Store.WithTx(ctx, func(tx studio.Store) error {
		regs, err := tx.ListRegistrations(ctx, id, studio.RegistrationConfirmed, studio.RegistrationPending)
		if err != nil {
			return fmt.Errorf("list registrations: %w", err)
		}
		for _, r := range regs {
			next := studio.RegistrationAttended
			if r.Status == studio.RegistrationPending {
				next = studio.RegistrationNoShow
			}
			if err := tx.UpdateRegistrationStatus(ctx, r.ID, next, ""); err != nil {
				return fmt.Errorf("registration %s: %w", r.ID, err)
			}
		}
		return tx.UpdateOccurrenceStatus(ctx, id, studio.OccurrenceCompleted, "")
	})
}

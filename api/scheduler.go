/*
scheduler.go - Periodic WAL checkpoint scheduler

PURPOSE:
  Periodically folds both SQLite write-ahead logs back into their database
  files, so the external backup job can copy riego.db and cuotas.db while the
  server keeps running.

DESIGN:
  - One background goroutine driven by a ticker
  - Every tick checkpoints each registered store in turn
  - A failed checkpoint is logged and retried on the next tick
  - Stop waits for an in-flight checkpoint to finish

USAGE:
  s := NewCheckpointScheduler(log, 15*time.Minute, store, feeStore)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - store/sqlite/sqlite.go: Checkpoint
  - cmd/server/main.go: final checkpoint on shutdown
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Checkpointer is satisfied by both sqlite stores.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

type CheckpointScheduler struct {
	Interval time.Duration
	Timeout  time.Duration

	stores []Checkpointer
	log    zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCheckpointScheduler creates a scheduler. An interval <= 0 disables it.
func NewCheckpointScheduler(log zerolog.Logger, interval time.Duration, stores ...Checkpointer) *CheckpointScheduler {
	return &CheckpointScheduler{
		Interval: interval,
		Timeout:  30 * time.Second,
		stores:   stores,
		log:      log,
	}
}

func (cs *CheckpointScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.Interval <= 0 {
		cs.log.Info().Msg("checkpoint scheduler disabled")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.Interval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)
	go cs.run(cs.ticker, cs.stop)

	cs.log.Info().Dur("interval", cs.Interval).Msg("checkpoint scheduler started")
}

func (cs *CheckpointScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker == nil {
		return
	}
	cs.ticker.Stop()
	close(cs.stop)
	cs.wg.Wait()
	cs.ticker = nil
	cs.log.Info().Msg("checkpoint scheduler stopped")
}

func (cs *CheckpointScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer cs.wg.Done()
	for {
		select {
		case <-ticker.C:
			cs.CheckpointAll()
		case <-stop:
			return
		}
	}
}

// CheckpointAll checkpoints every store once and returns the number that failed.
func (cs *CheckpointScheduler) CheckpointAll() int {
	failed := 0
	for i, s := range cs.stores {
		ctx, cancel := context.WithTimeout(context.Background(), cs.Timeout)
		err := s.Checkpoint(ctx)
		cancel()
		if err != nil {
			failed++
			cs.log.Warn().Err(err).Int("store", i).Msg("checkpoint failed")
		}
	}
	cs.log.Debug().Int("stores", len(cs.stores)).Int("failed", failed).Msg("checkpoint run")
	return failed
}

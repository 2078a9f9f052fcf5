package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/irrigation-ledger/store/sqlite"
)

type countingCheckpointer struct {
	calls atomic.Int32
	err   error
}

func (c *countingCheckpointer) Checkpoint(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestCheckpointAll(t *testing.T) {
	ok := &countingCheckpointer{}
	broken := &countingCheckpointer{err: errors.New("disk full")}
	s := NewCheckpointScheduler(zerolog.Nop(), time.Minute, ok, broken)

	assert.Equal(t, 1, s.CheckpointAll())
	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, int32(1), broken.calls.Load(), "a failing store does not stop the run")
}

func TestCheckpointScheduler_Ticks(t *testing.T) {
	c := &countingCheckpointer{}
	s := NewCheckpointScheduler(zerolog.Nop(), 10*time.Millisecond, c)
	s.Start()
	s.Start() // second start is a no-op

	require.Eventually(t, func() bool { return c.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := c.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, c.calls.Load(), "no checkpoints after Stop")
}

func TestCheckpointScheduler_Disabled(t *testing.T) {
	c := &countingCheckpointer{}
	s := NewCheckpointScheduler(zerolog.Nop(), 0, c)
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Zero(t, c.calls.Load())
}

func TestCheckpointScheduler_RealStores(t *testing.T) {
	dir := t.TempDir()
	store, err := sqlite.New(dir + "/riego.db")
	require.NoError(t, err)
	defer store.Close()
	feeStore, err := sqlite.NewFeeStore(dir + "/cuotas.db")
	require.NoError(t, err)
	defer feeStore.Close()

	s := NewCheckpointScheduler(zerolog.Nop(), time.Hour, store, feeStore)
	assert.Zero(t, s.CheckpointAll())
}

package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
)

// ErrInvalidFlushInterval is returned for a flush interval that is less than
// or equal to zero.
var ErrInvalidFlushInterval = errors.New("invalid flush interval")

// Flusher periodically persists dirty swarms from a SwarmStore to a Backend.
//
// Persistence is at-least-once: dirty marks are cleared optimistically when a
// batch is collected and restored in full if the backend rejects the batch.
type Flusher struct {
	store   SwarmStore
	backend Backend
	closing chan struct{}
	wg      sync.WaitGroup
}

// RunFlusher starts a goroutine that flushes dirty swarms to the backend
// every interval.
func RunFlusher(store SwarmStore, backend Backend, interval time.Duration) (*Flusher, error) {
	if interval <= 0 {
		return nil, ErrInvalidFlushInterval
	}

	f := &Flusher{
		store:   store,
		backend: backend,
		closing: make(chan struct{}),
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.closing:
				return
			case <-time.After(interval):
				if err := f.Flush(context.Background()); err != nil {
					log.Error("failed to flush swarms to backend", log.Err(err))
				}
			}
		}
	}()

	return f, nil
}

// Flush collects all dirty swarms and persists them in one batch.
//
// If the backend rejects the batch, every collected swarm is re-marked dirty
// so the next flush retries it.
func (f *Flusher) Flush(ctx context.Context) error {
	records := f.store.CollectDirty()
	if len(records) == 0 {
		return nil
	}

	PromFlushBatchSize.Observe(float64(len(records)))

	if err := f.backend.SaveBatch(ctx, records); err != nil {
		PromFlushFailuresCount.Inc()

		ihs := make([]bittorrent.InfoHash, 0, len(records))
		for _, r := range records {
			ihs = append(ihs, r.InfoHash)
		}
		f.store.MarkDirty(ihs)

		return err
	}

	log.Debug("flushed swarms to backend", log.Fields{"count": len(records)})
	return nil
}

// Stop shuts down the flusher after one final flush, so that a clean
// shutdown leaves no dirty state behind.
func (f *Flusher) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(f.closing)
		f.wg.Wait()
		c.Done(f.Flush(context.Background()))
	}()

	return c.Result()
}

package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
)

// ErrInvalidReapInterval is returned for a reap interval that is less than or
// equal to zero.
var ErrInvalidReapInterval = errors.New("invalid reap interval")

// ErrInvalidPeerLifetime is returned for a peer lifetime that is less than or
// equal to zero.
var ErrInvalidPeerLifetime = errors.New("invalid peer lifetime")

// Reaper periodically removes peers that have stopped announcing from a
// SwarmStore.
type Reaper struct {
	closing chan struct{}
	wg      sync.WaitGroup
}

// RunReaper starts a goroutine that calls ReapBefore on the store every
// interval, expiring peers that have not announced for peerLifetime.
func RunReaper(store SwarmStore, interval, peerLifetime time.Duration) (*Reaper, error) {
	if interval <= 0 {
		return nil, ErrInvalidReapInterval
	}
	if peerLifetime <= 0 {
		return nil, ErrInvalidPeerLifetime
	}

	r := &Reaper{closing: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.closing:
				return
			case <-time.After(interval):
				before := time.Now().Add(-peerLifetime)
				log.Debug("reaping peers with no announces since cutoff", log.Fields{"before": before})
				store.ReapBefore(before)
			}
		}
	}()

	return r, nil
}

// Stop shuts down the reaper.
func (r *Reaper) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(r.closing)
		r.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}

package storage_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/pkg/stop"
	"github.com/tyto-tracker/tyto/storage"
	"github.com/tyto-tracker/tyto/storage/memory"
)

type fakeBackend struct {
	sync.Mutex
	saved   map[bittorrent.InfoHash]storage.SwarmRecord
	batches int
	fail    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{saved: make(map[bittorrent.InfoHash]storage.SwarmRecord)}
}

func (b *fakeBackend) LoadAllSwarms(_ context.Context, f func(storage.SwarmRecord) error) error {
	b.Lock()
	defer b.Unlock()
	for _, r := range b.saved {
		if err := f(r); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) SaveBatch(_ context.Context, records []storage.SwarmRecord) error {
	b.Lock()
	defer b.Unlock()
	b.batches++
	if b.fail {
		return errors.New("backend unavailable")
	}
	for _, r := range records {
		if len(r.Peers) == 0 {
			delete(b.saved, r.InfoHash)
		} else {
			b.saved[r.InfoHash] = r
		}
	}
	return nil
}

func (b *fakeBackend) Stop() stop.Result {
	c := make(stop.Channel)
	c.Done(nil)
	return c.Result()
}

func newStoreWithPeer(t *testing.T, ih bittorrent.InfoHash) storage.SwarmStore {
	ss, err := memory.New(memory.Config{ShardCount: 4, SampleCeiling: 50})
	require.NoError(t, err)
	t.Cleanup(func() { <-ss.Stop() })

	p := bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString("-TY0001-000000000001"),
		Port: 6881,
		Left: 100,
	}
	p.IP = bittorrent.IP{IP: net.ParseIP("1.2.3.4").To4(), AddressFamily: bittorrent.IPv4}

	_, err = ss.Announce(ih, p, false)
	require.NoError(t, err)
	return ss
}

func TestFlushPersistsDirtySwarms(t *testing.T) {
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	ss := newStoreWithPeer(t, ih)
	backend := newFakeBackend()

	f, err := storage.RunFlusher(ss, backend, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.Flush(context.Background()))

	backend.Lock()
	require.Len(t, backend.saved, 1)
	require.Len(t, backend.saved[ih].Peers, 1)
	backend.Unlock()

	// Nothing dirty, nothing sent.
	require.NoError(t, f.Flush(context.Background()))
	backend.Lock()
	require.Equal(t, 1, backend.batches)
	backend.Unlock()

	require.Empty(t, f.Stop().Wait())
}

func TestFlushFailureIsRetriedInFull(t *testing.T) {
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	ss := newStoreWithPeer(t, ih)
	backend := newFakeBackend()
	backend.fail = true

	f, err := storage.RunFlusher(ss, backend, time.Hour)
	require.NoError(t, err)

	require.Error(t, f.Flush(context.Background()))
	backend.Lock()
	require.Empty(t, backend.saved)
	backend.Unlock()

	// The failed batch was re-marked dirty and goes out on the next flush.
	backend.Lock()
	backend.fail = false
	backend.Unlock()

	require.NoError(t, f.Flush(context.Background()))
	backend.Lock()
	require.Len(t, backend.saved, 1)
	backend.Unlock()

	require.Empty(t, f.Stop().Wait())
}

func TestStopRunsFinalFlush(t *testing.T) {
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	ss := newStoreWithPeer(t, ih)
	backend := newFakeBackend()

	f, err := storage.RunFlusher(ss, backend, time.Hour)
	require.NoError(t, err)

	require.Empty(t, f.Stop().Wait())

	backend.Lock()
	require.Len(t, backend.saved, 1)
	backend.Unlock()
}

func TestTombstoneDeletesFromBackend(t *testing.T) {
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	ss := newStoreWithPeer(t, ih)
	backend := newFakeBackend()

	f, err := storage.RunFlusher(ss, backend, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.Flush(context.Background()))

	// Reaping everything leaves a tombstone record for the swarm.
	ss.ReapBefore(time.Now().Add(time.Hour))
	require.NoError(t, f.Flush(context.Background()))

	backend.Lock()
	require.Empty(t, backend.saved)
	backend.Unlock()

	require.Empty(t, f.Stop().Wait())
}

func TestRunFlusherRejectsBadInterval(t *testing.T) {
	ss := newStoreWithPeer(t, bittorrent.InfoHashFromString("00000000000000000001"))
	_, err := storage.RunFlusher(ss, newFakeBackend(), 0)
	require.Equal(t, storage.ErrInvalidFlushInterval, err)
}

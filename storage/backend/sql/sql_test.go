package sql

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/storage"
)

func newTestBackend(t *testing.T) storage.Backend {
	b, err := New(Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "tyto.sqlite")})
	require.NoError(t, err)
	t.Cleanup(func() { b.Stop().Wait() })

	return b
}

func testRecord() storage.SwarmRecord {
	seeder := storage.PeerRecord{Seeding: true, LastAnnounce: 1000}
	seeder.ID = bittorrent.PeerIDFromString("-TY0001-000000000001")
	seeder.Port = 6881
	seeder.IP = bittorrent.IP{IP: net.ParseIP("1.2.3.4").To4(), AddressFamily: bittorrent.IPv4}

	leecher := storage.PeerRecord{LastAnnounce: 2000}
	leecher.ID = bittorrent.PeerIDFromString("-TY0001-000000000002")
	leecher.Port = 51413
	leecher.IP = bittorrent.IP{IP: net.ParseIP("2001:db8::1"), AddressFamily: bittorrent.IPv6}

	return storage.SwarmRecord{
		InfoHash: bittorrent.InfoHashFromString("00000000000000000001"),
		Snatches: 7,
		Peers:    []storage.PeerRecord{seeder, leecher},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	want := testRecord()

	require.NoError(t, b.SaveBatch(context.Background(), []storage.SwarmRecord{want}))

	var got []storage.SwarmRecord
	require.NoError(t, b.LoadAllSwarms(context.Background(), func(r storage.SwarmRecord) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 1)
	require.Equal(t, want.InfoHash, got[0].InfoHash)
	require.Equal(t, want.Snatches, got[0].Snatches)
	require.ElementsMatch(t, want.Peers, got[0].Peers)
}

func TestSaveOverwritesPreviousState(t *testing.T) {
	b := newTestBackend(t)
	record := testRecord()

	require.NoError(t, b.SaveBatch(context.Background(), []storage.SwarmRecord{record}))

	record.Peers = record.Peers[:1]
	record.Snatches = 8
	require.NoError(t, b.SaveBatch(context.Background(), []storage.SwarmRecord{record}))

	var got []storage.SwarmRecord
	require.NoError(t, b.LoadAllSwarms(context.Background(), func(r storage.SwarmRecord) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 1)
	require.Equal(t, uint32(8), got[0].Snatches)
	require.Len(t, got[0].Peers, 1)
}

func TestEmptyRecordDeletesSwarm(t *testing.T) {
	b := newTestBackend(t)
	record := testRecord()

	require.NoError(t, b.SaveBatch(context.Background(), []storage.SwarmRecord{record}))
	require.NoError(t, b.SaveBatch(context.Background(), []storage.SwarmRecord{{InfoHash: record.InfoHash}}))

	require.NoError(t, b.LoadAllSwarms(context.Background(), func(r storage.SwarmRecord) error {
		t.Fatalf("unexpected swarm %s", r.InfoHash)
		return nil
	}))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tyto.sqlite")

	b, err := New(Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	want := testRecord()
	require.NoError(t, b.SaveBatch(context.Background(), []storage.SwarmRecord{want}))
	require.Empty(t, b.Stop().Wait())

	b, err = New(Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer b.Stop().Wait()

	var got []storage.SwarmRecord
	require.NoError(t, b.LoadAllSwarms(context.Background(), func(r storage.SwarmRecord) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	require.ElementsMatch(t, want.Peers, got[0].Peers)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "whatever"})
	require.Equal(t, ErrUnknownDriver, err)
}

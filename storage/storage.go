// Package storage defines the contracts for swarm state storage and
// persistence.
package storage

import (
	"context"
	"time"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
)

// ErrResourceDoesNotExist is the error returned by all delete methods and the
// AnnouncePeer method of the SwarmStore interface if the requested resource
// does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrCompletedNotLeeching is the error returned when a peer reports a
// completed event without previously being tracked as a leecher.
var ErrCompletedNotLeeching = bittorrent.ProtocolError("completed event from peer that is not leeching")

// Snapshot is a point-in-time view of a single swarm's counters.
type Snapshot struct {
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
}

// PeerRecord is a peer together with its role in the swarm and the time it
// last announced, suitable for persistence and restoration.
type PeerRecord struct {
	bittorrent.Peer
	Seeding      bool
	LastAnnounce int64
}

// SwarmRecord is a full serializable copy of one swarm.
type SwarmRecord struct {
	InfoHash bittorrent.InfoHash
	Snatches uint32
	Peers    []PeerRecord
}

// SwarmStore is an interface that abstracts the swarm registry: the set of
// all swarms and the peers within them.
//
// Implementations of the SwarmStore interface must be safe for concurrent use
// by multiple goroutines.
type SwarmStore interface {
	// Announce records an announce from p against the swarm for ih,
	// creating the swarm if it does not exist, and returns the swarm's
	// counters after the update.
	//
	// If completed is true and p was not previously tracked as a leecher
	// in the swarm, Announce returns ErrCompletedNotLeeching and the swarm
	// is left unchanged.
	Announce(ih bittorrent.InfoHash, p bittorrent.Peer, completed bool) (Snapshot, error)

	// RemovePeer removes p from the swarm for ih and returns the swarm's
	// counters after the removal.
	//
	// An empty swarm is left in place; the reaper is responsible for
	// deleting swarms with no peers.
	RemovePeer(ih bittorrent.InfoHash, p bittorrent.Peer) (Snapshot, error)

	// SamplePeers returns up to maxCount peers from the swarm for ih,
	// excluding the announcing peer. Seeding announcers are only given
	// leechers.
	SamplePeers(ih bittorrent.InfoHash, announcer bittorrent.Peer, seeder bool, maxCount int) ([]bittorrent.Peer, error)

	// ScrapeSwarm returns the counters of the swarm for ih.
	//
	// A swarm that does not exist scrapes as all zeroes.
	ScrapeSwarm(ih bittorrent.InfoHash) Snapshot

	// ReapBefore removes all peers whose last announce is older than
	// cutoff and deletes any swarm left without peers.
	ReapBefore(cutoff time.Time)

	// LoadSwarm installs a previously persisted swarm, overwriting any
	// existing swarm for the same infohash. Loaded swarms are not marked
	// dirty.
	LoadSwarm(r SwarmRecord)

	// CollectDirty returns a copy of every swarm modified since the last
	// collection and clears the dirty marks. A swarm that was deleted
	// since the last collection is returned as a record with no peers.
	CollectDirty() []SwarmRecord

	// MarkDirty re-marks the given infohashes as dirty so that a failed
	// persistence attempt is retried on the next collection.
	MarkDirty(ihs []bittorrent.InfoHash)

	// NumSwarms returns the number of swarms currently tracked.
	NumSwarms() uint64

	stop.Stopper

	// log.Fielder returns the configuration of the store for logging.
	log.Fielder
}

// Backend is the persistence layer swarm records are flushed to and restored
// from.
type Backend interface {
	// LoadAllSwarms streams every persisted swarm record to f.
	LoadAllSwarms(ctx context.Context, f func(SwarmRecord) error) error

	// SaveBatch persists the given records, replacing any previously
	// stored state for the same infohashes. Records with no peers delete
	// the swarm from the backend.
	SaveBatch(ctx context.Context, records []SwarmRecord) error

	stop.Stopper
}

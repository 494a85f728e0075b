// Package memory implements the storage interface for a tracker keeping all
// swarm state in memory.
package memory

import (
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/prand"
	"github.com/tyto-tracker/tyto/pkg/stop"
	"github.com/tyto-tracker/tyto/pkg/timecache"
	"github.com/tyto-tracker/tyto/storage"
)

// Default config constants.
const (
	defaultShardCount    = 1024
	defaultSampleCeiling = 74
)

// Config holds the configuration of a memory SwarmStore.
type Config struct {
	ShardCount    int `yaml:"shard_count"`
	SampleCeiling int `yaml:"sample_ceiling"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"shardCount":    cfg.ShardCount,
		"sampleCeiling": cfg.SampleCeiling,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "memory.ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.SampleCeiling <= 0 {
		validcfg.SampleCeiling = defaultSampleCeiling
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "memory.SampleCeiling",
			"provided": cfg.SampleCeiling,
			"default":  validcfg.SampleCeiling,
		})
	}

	return validcfg
}

// New creates a new SwarmStore backed by memory.
func New(provided Config) (storage.SwarmStore, error) {
	cfg := provided.Validate()
	ss := &swarmStore{
		cfg:     cfg,
		shards:  make([]*swarmShard, cfg.ShardCount),
		rands:   prand.New(cfg.ShardCount),
		closing: make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		ss.shards[i] = &swarmShard{
			swarms: make(map[bittorrent.InfoHash]swarm),
			dirty:  make(map[bittorrent.InfoHash]struct{}),
		}
	}

	return ss, nil
}

type serializedPeer string

func newPeerKey(p bittorrent.Peer) serializedPeer {
	b := make([]byte, 20+2+len(p.IP.IP))
	copy(b[:20], p.ID[:])
	binary.BigEndian.PutUint16(b[20:22], p.Port)
	copy(b[22:], p.IP.IP)

	return serializedPeer(b)
}

func decodePeerKey(pk serializedPeer) bittorrent.Peer {
	peer := bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString(string(pk[:20])),
		Port: binary.BigEndian.Uint16([]byte(pk[20:22])),
		IP:   bittorrent.IP{IP: net.IP(pk[22:])},
	}

	if ip := peer.IP.To4(); ip != nil {
		peer.IP.IP = ip
		peer.IP.AddressFamily = bittorrent.IPv4
	} else if len(peer.IP.IP) == net.IPv6len { // implies peer.IP.To4() == nil
		peer.IP.AddressFamily = bittorrent.IPv6
	} else {
		panic("IP is neither v4 nor v6")
	}

	return peer
}

type swarm struct {
	// map serialized peer to mtime
	seeders  map[serializedPeer]int64
	leechers map[serializedPeer]int64
	snatches uint32
}

func (s swarm) snapshot() storage.Snapshot {
	return storage.Snapshot{
		Complete:   uint32(len(s.seeders)),
		Incomplete: uint32(len(s.leechers)),
		Snatches:   s.snatches,
	}
}

type swarmShard struct {
	swarms map[bittorrent.InfoHash]swarm
	dirty  map[bittorrent.InfoHash]struct{}
	sync.RWMutex
}

type swarmStore struct {
	cfg     Config
	shards  []*swarmShard
	rands   *prand.Pool
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.SwarmStore = &swarmStore{}

func (ss *swarmStore) shardIndex(infoHash bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(ss.shards))
}

func (ss *swarmStore) panicIfClosed() {
	select {
	case <-ss.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func (ss *swarmStore) Announce(ih bittorrent.InfoHash, p bittorrent.Peer, completed bool) (storage.Snapshot, error) {
	ss.panicIfClosed()

	pk := newPeerKey(p)
	now := timecache.NowUnixNano()

	shard := ss.shards[ss.shardIndex(ih)]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	wasLeeching := false
	wasSeeding := false
	if ok {
		_, wasLeeching = sw.leechers[pk]
		_, wasSeeding = sw.seeders[pk]
	}

	if completed && !wasLeeching {
		if ok {
			return sw.snapshot(), storage.ErrCompletedNotLeeching
		}
		return storage.Snapshot{}, storage.ErrCompletedNotLeeching
	}

	if !ok {
		sw = swarm{
			seeders:  make(map[serializedPeer]int64),
			leechers: make(map[serializedPeer]int64),
		}
		shard.swarms[ih] = sw
		storage.PromInfohashesCount.Inc()
	}

	switch {
	case completed:
		delete(sw.leechers, pk)
		sw.seeders[pk] = now
		sw.snatches++
		shard.swarms[ih] = sw
		storage.PromLeechersCount.Dec()
		storage.PromSeedersCount.Inc()

	case p.Seeding():
		if wasLeeching {
			delete(sw.leechers, pk)
			storage.PromLeechersCount.Dec()
		}
		if !wasSeeding {
			storage.PromSeedersCount.Inc()
		}
		sw.seeders[pk] = now

	default:
		if wasSeeding {
			delete(sw.seeders, pk)
			storage.PromSeedersCount.Dec()
		}
		if !wasLeeching {
			storage.PromLeechersCount.Inc()
		}
		sw.leechers[pk] = now
	}

	shard.dirty[ih] = struct{}{}
	return shard.swarms[ih].snapshot(), nil
}

func (ss *swarmStore) RemovePeer(ih bittorrent.InfoHash, p bittorrent.Peer) (storage.Snapshot, error) {
	ss.panicIfClosed()

	pk := newPeerKey(p)

	shard := ss.shards[ss.shardIndex(ih)]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return storage.Snapshot{}, storage.ErrResourceDoesNotExist
	}

	if _, ok := sw.seeders[pk]; ok {
		delete(sw.seeders, pk)
		storage.PromSeedersCount.Dec()
	} else if _, ok := sw.leechers[pk]; ok {
		delete(sw.leechers, pk)
		storage.PromLeechersCount.Dec()
	} else {
		return sw.snapshot(), storage.ErrResourceDoesNotExist
	}

	// The swarm stays in place even when it is empty now. Deleting empty
	// swarms is the reaper's job, so that a seeder rejoining between two
	// announces does not lose the snatch count.
	shard.dirty[ih] = struct{}{}
	return sw.snapshot(), nil
}

func (ss *swarmStore) SamplePeers(ih bittorrent.InfoHash, announcer bittorrent.Peer, seeder bool, maxCount int) ([]bittorrent.Peer, error) {
	ss.panicIfClosed()

	if maxCount > ss.cfg.SampleCeiling {
		maxCount = ss.cfg.SampleCeiling
	}

	shard := ss.shards[ss.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return nil, storage.ErrResourceDoesNotExist
	}

	r := ss.rands.ByInfohash(ih)
	defer ss.rands.Release(ih)

	peers := make([]bittorrent.Peer, 0, maxCount)
	seen := 0

	sample := func(pk serializedPeer) {
		decoded := decodePeerKey(pk)
		if decoded.EqualEndpoint(announcer) {
			return
		}
		// Reservoir sampling keeps the result uniform regardless of map
		// iteration order.
		if len(peers) < maxCount {
			peers = append(peers, decoded)
		} else if j := r.Intn(seen + 1); j < maxCount {
			peers[j] = decoded
		}
		seen++
	}

	if !seeder {
		for pk := range sw.seeders {
			sample(pk)
		}
	}
	for pk := range sw.leechers {
		sample(pk)
	}

	return peers, nil
}

func (ss *swarmStore) ScrapeSwarm(ih bittorrent.InfoHash) (snap storage.Snapshot) {
	ss.panicIfClosed()

	shard := ss.shards[ss.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return
	}

	return sw.snapshot()
}

// ReapBefore deletes all peers from the store whose last announce is older
// than the cutoff time, and deletes any swarm left without peers.
//
// This function must be able to execute while other methods on this interface
// are being executed in parallel.
func (ss *swarmStore) ReapBefore(cutoff time.Time) {
	ss.panicIfClosed()

	var ihDelta float64
	var seedersReaped, leechersReaped float64
	cutoffUnix := cutoff.UnixNano()
	start := time.Now()

	for _, shard := range ss.shards {
		shard.RLock()
		var infohashes []bittorrent.InfoHash
		for ih := range shard.swarms {
			infohashes = append(infohashes, ih)
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, ih := range infohashes {
			shard.Lock()

			sw, stillExists := shard.swarms[ih]
			if !stillExists {
				shard.Unlock()
				runtime.Gosched()
				continue
			}

			changed := false
			for pk, mtime := range sw.leechers {
				if mtime <= cutoffUnix {
					delete(sw.leechers, pk)
					leechersReaped++
					changed = true
				}
			}

			for pk, mtime := range sw.seeders {
				if mtime <= cutoffUnix {
					delete(sw.seeders, pk)
					seedersReaped++
					changed = true
				}
			}

			if len(sw.seeders)|len(sw.leechers) == 0 {
				delete(shard.swarms, ih)
				ihDelta--
				changed = true
			}

			if changed {
				shard.dirty[ih] = struct{}{}
			}

			shard.Unlock()
			runtime.Gosched()
		}

		runtime.Gosched()
	}

	storage.PromReapDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
	storage.PromInfohashesCount.Add(ihDelta)
	storage.PromSeedersCount.Sub(seedersReaped)
	storage.PromLeechersCount.Sub(leechersReaped)
}

func (ss *swarmStore) LoadSwarm(r storage.SwarmRecord) {
	ss.panicIfClosed()

	sw := swarm{
		seeders:  make(map[serializedPeer]int64),
		leechers: make(map[serializedPeer]int64),
		snatches: r.Snatches,
	}
	for _, pr := range r.Peers {
		if pr.Seeding {
			sw.seeders[newPeerKey(pr.Peer)] = pr.LastAnnounce
		} else {
			sw.leechers[newPeerKey(pr.Peer)] = pr.LastAnnounce
		}
	}

	shard := ss.shards[ss.shardIndex(r.InfoHash)]
	shard.Lock()
	defer shard.Unlock()

	if old, ok := shard.swarms[r.InfoHash]; ok {
		storage.PromSeedersCount.Sub(float64(len(old.seeders)))
		storage.PromLeechersCount.Sub(float64(len(old.leechers)))
	} else {
		storage.PromInfohashesCount.Inc()
	}

	shard.swarms[r.InfoHash] = sw
	storage.PromSeedersCount.Add(float64(len(sw.seeders)))
	storage.PromLeechersCount.Add(float64(len(sw.leechers)))
}

func (ss *swarmStore) CollectDirty() (records []storage.SwarmRecord) {
	ss.panicIfClosed()

	for _, shard := range ss.shards {
		shard.Lock()

		for ih := range shard.dirty {
			record := storage.SwarmRecord{InfoHash: ih}
			if sw, ok := shard.swarms[ih]; ok {
				record.Snatches = sw.snatches
				record.Peers = make([]storage.PeerRecord, 0, len(sw.seeders)+len(sw.leechers))
				for pk, mtime := range sw.seeders {
					record.Peers = append(record.Peers, storage.PeerRecord{
						Peer:         decodePeerKey(pk),
						Seeding:      true,
						LastAnnounce: mtime,
					})
				}
				for pk, mtime := range sw.leechers {
					record.Peers = append(record.Peers, storage.PeerRecord{
						Peer:         decodePeerKey(pk),
						LastAnnounce: mtime,
					})
				}
			}
			// A record with no peers is a tombstone for a swarm the
			// reaper deleted since the last collection.
			records = append(records, record)
			delete(shard.dirty, ih)
		}

		shard.Unlock()
		runtime.Gosched()
	}

	return records
}

func (ss *swarmStore) MarkDirty(ihs []bittorrent.InfoHash) {
	ss.panicIfClosed()

	for _, ih := range ihs {
		shard := ss.shards[ss.shardIndex(ih)]
		shard.Lock()
		shard.dirty[ih] = struct{}{}
		shard.Unlock()
	}
}

func (ss *swarmStore) NumSwarms() (n uint64) {
	ss.panicIfClosed()

	for _, shard := range ss.shards {
		shard.RLock()
		n += uint64(len(shard.swarms))
		shard.RUnlock()
	}

	return n
}

func (ss *swarmStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ss.closing)
		ss.wg.Wait()

		// Explicitly deallocate our storage.
		shards := make([]*swarmShard, len(ss.shards))
		for i := 0; i < len(ss.shards); i++ {
			shards[i] = &swarmShard{
				swarms: make(map[bittorrent.InfoHash]swarm),
				dirty:  make(map[bittorrent.InfoHash]struct{}),
			}
		}
		ss.shards = shards

		c.Done(nil)
	}()

	return c.Result()
}

// LogFields renders the current config as a set of Logrus fields.
func (ss *swarmStore) LogFields() log.Fields {
	return ss.cfg.LogFields()
}

// Package ratelimit implements a Hook that rejects announces arriving sooner
// than the configured interval since the last accepted announce for the same
// peer in the same swarm.
package ratelimit

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/middleware"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
	"github.com/tyto-tracker/tyto/pkg/timecache"
)

// Name is the name by which this middleware is registered.
const Name = "rate limit"

// ErrAnnouncedTooSoon is the error returned when a peer re-announces before
// its interval has elapsed.
var ErrAnnouncedTooSoon = bittorrent.RateLimitError("announced too soon")

// Default config constants.
const (
	defaultShardCount = 256
	defaultGCInterval = time.Minute * 3
)

// Config represents all the values required by this middleware to rate limit
// announces.
type Config struct {
	AnnounceRate time.Duration `yaml:"announce_rate"`
	ShardCount   int           `yaml:"shard_count"`
	GCInterval   time.Duration `yaml:"gc_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceRate": cfg.AnnounceRate,
		"shardCount":   cfg.ShardCount,
		"gcInterval":   cfg.GCInterval,
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
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.GCInterval <= 0 {
		validcfg.GCInterval = defaultGCInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".GCInterval",
			"provided": cfg.GCInterval,
			"default":  validcfg.GCInterval,
		})
	}

	return validcfg
}

// stampKey identifies one peer in one swarm.
type stampKey [40]byte

func newStampKey(ih bittorrent.InfoHash, id bittorrent.PeerID) (k stampKey) {
	copy(k[:20], ih[:])
	copy(k[20:], id[:])
	return k
}

type stampShard struct {
	stamps map[stampKey]int64
	sync.Mutex
}

type hook struct {
	cfg     Config
	shards  []*stampShard
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewHook returns an instance of the rate limit middleware.
//
// A non-positive AnnounceRate disables rate limiting entirely; the hook then
// passes every announce through.
func NewHook(provided Config) (middleware.Hook, error) {
	cfg := provided.Validate()

	h := &hook{
		cfg:     cfg,
		shards:  make([]*stampShard, cfg.ShardCount),
		closing: make(chan struct{}),
	}
	for i := 0; i < cfg.ShardCount; i++ {
		h.shards[i] = &stampShard{stamps: make(map[stampKey]int64)}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.closing:
				return
			case <-time.After(cfg.GCInterval):
				h.collectGarbage()
			}
		}
	}()

	return h, nil
}

func (h *hook) shard(k stampKey) *stampShard {
	idx := binary.BigEndian.Uint32(k[:4]) % uint32(len(h.shards))
	return h.shards[idx]
}

// collectGarbage drops stamps old enough that they can no longer reject an
// announce.
func (h *hook) collectGarbage() {
	cutoff := timecache.NowUnixNano() - h.cfg.AnnounceRate.Nanoseconds()
	for _, shard := range h.shards {
		shard.Lock()
		for k, stamp := range shard.stamps {
			if stamp < cutoff {
				delete(shard.stamps, k)
			}
		}
		shard.Unlock()
		runtime.Gosched()
	}
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if h.cfg.AnnounceRate <= 0 {
		return ctx, nil
	}

	k := newStampKey(req.InfoHash, req.Peer.ID)
	shard := h.shard(k)

	// A stopped event is always honored, and frees the stamp so the peer
	// can rejoin immediately.
	if req.Event == bittorrent.Stopped {
		shard.Lock()
		delete(shard.stamps, k)
		shard.Unlock()
		return ctx, nil
	}

	now := timecache.NowUnixNano()

	shard.Lock()
	defer shard.Unlock()

	if last, ok := shard.stamps[k]; ok && now-last < h.cfg.AnnounceRate.Nanoseconds() {
		return ctx, ErrAnnouncedTooSoon
	}

	shard.stamps[k] = now
	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes are read only and not rate limited.
	return ctx, nil
}

// Stop shuts down the garbage collection goroutine.
func (h *hook) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(h.closing)
		h.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}

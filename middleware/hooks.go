package middleware

import (
	"context"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/storage"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

type skipSwarmUpdate struct{}

// SkipSwarmUpdateKey is a key for the context of an Announce to control
// whether the swarm update middleware should run.
// Any non-nil value set for this key will cause the swarm update middleware
// to skip.
var SkipSwarmUpdateKey = skipSwarmUpdate{}

// swarmUpdateHook applies the announce to the swarm registry and copies the
// resulting counters into the response.
type swarmUpdateHook struct {
	store storage.SwarmStore
}

func (h *swarmUpdateHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if ctx.Value(SkipSwarmUpdateKey) != nil {
		return ctx, nil
	}

	var snap storage.Snapshot
	var err error

	if req.Event == bittorrent.Stopped {
		snap, err = h.store.RemovePeer(req.InfoHash, req.Peer)
		if err == storage.ErrResourceDoesNotExist {
			// A stop from a peer we never saw is not an error for
			// the client.
			snap, err = h.store.ScrapeSwarm(req.InfoHash), nil
		}
	} else {
		snap, err = h.store.Announce(req.InfoHash, req.Peer, req.Event == bittorrent.Completed)
	}
	if err != nil {
		return ctx, err
	}

	resp.Complete = snap.Complete
	resp.Incomplete = snap.Incomplete
	resp.Snatches = snap.Snatches

	return ctx, nil
}

func (h *swarmUpdateHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes have no effect on the swarm.
	return ctx, nil
}

type skipResponseHook struct{}

// SkipResponseHookKey is a key for the context of an Announce or Scrape to
// control whether the response middleware should run.
// Any non-nil value set for this key will cause the response middleware to
// skip.
var SkipResponseHookKey = skipResponseHook{}

// responseHook fills in the peer list of an announce response and the files
// of a scrape response.
type responseHook struct {
	store storage.SwarmStore
}

func (h *responseHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (_ context.Context, err error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	// A stopping peer gets no peers back.
	if req.Event != bittorrent.Stopped {
		err = h.appendPeers(req, resp)
	}

	return ctx, err
}

func (h *responseHook) appendPeers(req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) error {
	seeding := req.Peer.Seeding()
	peers, err := h.store.SamplePeers(req.InfoHash, req.Peer, seeding, int(req.NumWant))
	if err != nil && err != storage.ErrResourceDoesNotExist {
		return err
	}

	for _, p := range peers {
		switch p.IP.AddressFamily {
		case bittorrent.IPv4:
			resp.IPv4Peers = append(resp.IPv4Peers, p)
		case bittorrent.IPv6:
			resp.IPv6Peers = append(resp.IPv6Peers, p)
		default:
			panic("peer IP is not IPv4 or IPv6")
		}
	}

	return nil
}

func (h *responseHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	for _, infoHash := range req.InfoHashes {
		snap := h.store.ScrapeSwarm(infoHash)
		resp.Files = append(resp.Files, bittorrent.Scrape{
			InfoHash:   infoHash,
			Complete:   snap.Complete,
			Incomplete: snap.Incomplete,
			Snatches:   snap.Snatches,
		})
	}

	return ctx, nil
}

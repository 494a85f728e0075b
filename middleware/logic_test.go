package middleware

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/storage"
	"github.com/tyto-tracker/tyto/storage/memory"
)

func newTestLogic(t *testing.T) (*Logic, storage.SwarmStore) {
	ss, err := memory.New(memory.Config{ShardCount: 4, SampleCeiling: 50})
	require.NoError(t, err)
	t.Cleanup(func() { <-ss.Stop() })

	return NewLogic(ResponseConfig{AnnounceRate: 30 * time.Minute}, ss, nil, nil), ss
}

func announceReq(id, ip string, left uint64, event bittorrent.Event) *bittorrent.AnnounceRequest {
	req := &bittorrent.AnnounceRequest{
		Event:    event,
		InfoHash: bittorrent.InfoHashFromString("00000000000000000001"),
		NumWant:  50,
	}
	req.Peer.ID = bittorrent.PeerIDFromString(id)
	req.Peer.Port = 6881
	req.Peer.Left = left
	req.Peer.IP = bittorrent.IP{IP: net.ParseIP(ip).To4(), AddressFamily: bittorrent.IPv4}
	return req
}

func TestHandleAnnounceLifecycle(t *testing.T) {
	logic, _ := newTestLogic(t)
	ctx := context.Background()

	// A lone leecher starts the swarm and gets no peers back, itself
	// included.
	leecher := announceReq("-TY0001-000000000001", "1.2.3.4", 100, bittorrent.Started)
	_, resp, err := logic.HandleAnnounce(ctx, leecher)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, resp.Interval)
	require.Equal(t, uint32(0), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)
	require.Empty(t, resp.IPv4Peers)
	require.Empty(t, resp.IPv6Peers)

	// A seeder joins and the leecher is offered the seeder.
	seeder := announceReq("-TY0001-000000000002", "1.2.3.5", 0, bittorrent.Started)
	_, resp, err = logic.HandleAnnounce(ctx, seeder)
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)

	_, resp, err = logic.HandleAnnounce(ctx, announceReq("-TY0001-000000000001", "1.2.3.4", 50, bittorrent.None))
	require.NoError(t, err)
	require.Len(t, resp.IPv4Peers, 1)
	require.True(t, resp.IPv4Peers[0].EqualEndpoint(seeder.Peer))

	// The leecher finishes the download.
	_, resp, err = logic.HandleAnnounce(ctx, announceReq("-TY0001-000000000001", "1.2.3.4", 0, bittorrent.Completed))
	require.NoError(t, err)
	require.Equal(t, uint32(2), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)
	require.Equal(t, uint32(1), resp.Snatches)

	// The original seeder leaves.
	_, resp, err = logic.HandleAnnounce(ctx, announceReq("-TY0001-000000000002", "1.2.3.5", 0, bittorrent.Stopped))
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Empty(t, resp.IPv4Peers)
	require.Empty(t, resp.IPv6Peers)
}

func TestHandleAnnounceCompletedWithoutLeeching(t *testing.T) {
	logic, _ := newTestLogic(t)

	req := announceReq("-TY0001-000000000001", "1.2.3.4", 0, bittorrent.Completed)
	_, _, err := logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, storage.ErrCompletedNotLeeching, err)
}

func TestHandleAnnounceStoppedUnknownPeer(t *testing.T) {
	logic, _ := newTestLogic(t)

	req := announceReq("-TY0001-000000000001", "1.2.3.4", 100, bittorrent.Stopped)
	_, resp, err := logic.HandleAnnounce(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint32(0), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)
}

func TestHandleScrape(t *testing.T) {
	logic, _ := newTestLogic(t)
	ctx := context.Background()

	_, _, err := logic.HandleAnnounce(ctx, announceReq("-TY0001-000000000001", "1.2.3.4", 0, bittorrent.Started))
	require.NoError(t, err)

	known := bittorrent.InfoHashFromString("00000000000000000001")
	unknown := bittorrent.InfoHashFromString("00000000000000000002")

	_, resp, err := logic.HandleScrape(ctx, &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{known, unknown}})
	require.NoError(t, err)
	require.Len(t, resp.Files, 2)
	require.Equal(t, bittorrent.Scrape{InfoHash: known, Complete: 1}, resp.Files[0])
	require.Equal(t, bittorrent.Scrape{InfoHash: unknown}, resp.Files[1])
}

type rejectHook struct{}

func (rejectHook) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	return ctx, bittorrent.ClientError("rejected")
}

func (rejectHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

func TestPreHookRejectionSkipsSwarmUpdate(t *testing.T) {
	ss, err := memory.New(memory.Config{ShardCount: 4, SampleCeiling: 50})
	require.NoError(t, err)
	defer func() { <-ss.Stop() }()

	logic := NewLogic(ResponseConfig{AnnounceRate: time.Minute}, ss, []Hook{rejectHook{}}, nil)

	_, _, err = logic.HandleAnnounce(context.Background(), announceReq("-TY0001-000000000001", "1.2.3.4", 100, bittorrent.Started))
	require.Equal(t, bittorrent.ClientError("rejected"), err)
	require.Equal(t, uint64(0), ss.NumSwarms())
}

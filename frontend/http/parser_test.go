package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyto-tracker/tyto/bittorrent"
)

var testParseOptions = ParseOptions{
	MaxNumWant:          100,
	DefaultNumWant:      50,
	MaxScrapeInfoHashes: 50,
}

func announceRequest(t *testing.T, query string) *http.Request {
	r := httptest.NewRequest("GET", "/announce?"+query, nil)
	r.RemoteAddr = "10.0.0.1:54321"
	// httptest does not fill RequestURI from the URL.
	r.RequestURI = "/announce?" + query
	return r
}

func TestParseAnnounce(t *testing.T) {
	r := announceRequest(t, "info_hash=00000000000000000001&peer_id=-TY0001-000000000001&port=6881&left=100&downloaded=200&uploaded=300&event=started&compact=1")

	req, err := ParseAnnounce(r, testParseOptions)
	require.NoError(t, err)

	require.Equal(t, bittorrent.Started, req.Event)
	require.True(t, req.EventProvided)
	require.True(t, req.Compact)
	require.Equal(t, bittorrent.InfoHashFromString("00000000000000000001"), req.InfoHash)
	require.Equal(t, bittorrent.PeerIDFromString("-TY0001-000000000001"), req.Peer.ID)
	require.Equal(t, uint16(6881), req.Peer.Port)
	require.Equal(t, uint64(100), req.Left)
	require.Equal(t, uint64(200), req.Downloaded)
	require.Equal(t, uint64(300), req.Uploaded)
	require.False(t, req.NumWantProvided)
	require.Equal(t, uint32(50), req.NumWant)
	require.False(t, req.IPProvided)
	require.Equal(t, "10.0.0.1", req.Peer.IP.String())
	require.Equal(t, bittorrent.IPv4, req.Peer.IP.AddressFamily)
}

func TestParseAnnounceMissingParams(t *testing.T) {
	var table = []string{
		"peer_id=-TY0001-000000000001&port=6881&left=0&downloaded=0&uploaded=0",
		"info_hash=00000000000000000001&port=6881&left=0&downloaded=0&uploaded=0",
		"info_hash=00000000000000000001&peer_id=-TY0001-000000000001&left=0&downloaded=0&uploaded=0",
		"info_hash=00000000000000000001&peer_id=-TY0001-000000000001&port=6881&downloaded=0&uploaded=0",
	}

	for _, query := range table {
		_, err := ParseAnnounce(announceRequest(t, query), testParseOptions)
		require.Error(t, err)
		require.True(t, bittorrent.IsClientError(err), "expected a client error for %q", query)
	}
}

func TestParseAnnounceRejectsInvalidEvent(t *testing.T) {
	r := announceRequest(t, "info_hash=00000000000000000001&peer_id=-TY0001-000000000001&port=6881&left=0&downloaded=0&uploaded=0&event=invalid")
	_, err := ParseAnnounce(r, testParseOptions)
	require.Error(t, err)
}

func TestParseAnnounceSpoofedIP(t *testing.T) {
	query := "info_hash=00000000000000000001&peer_id=-TY0001-000000000001&port=6881&left=0&downloaded=0&uploaded=0&ip=4.3.2.1"

	// Spoofing disabled: the remote address wins.
	req, err := ParseAnnounce(announceRequest(t, query), testParseOptions)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", req.Peer.IP.String())

	// Spoofing enabled: the param wins.
	opts := testParseOptions
	opts.AllowIPSpoofing = true
	req, err = ParseAnnounce(announceRequest(t, query), opts)
	require.NoError(t, err)
	require.True(t, req.IPProvided)
	require.Equal(t, "4.3.2.1", req.Peer.IP.String())
}

func TestParseScrape(t *testing.T) {
	r := httptest.NewRequest("GET", "/scrape?info_hash=00000000000000000001&info_hash=00000000000000000002", nil)
	r.RequestURI = "/scrape?info_hash=00000000000000000001&info_hash=00000000000000000002"

	req, err := ParseScrape(r, testParseOptions)
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 2)

	r = httptest.NewRequest("GET", "/scrape", nil)
	r.RequestURI = "/scrape"
	_, err = ParseScrape(r, testParseOptions)
	require.Error(t, err)
}

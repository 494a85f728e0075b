package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientID(t *testing.T) {
	var clientTable = []struct{ peerID, clientID string }{
		{"-AZ3034-6wfG2wk6wWLc", "AZ3034"},
		{"-AZ3042-6ozMq5q6Q3NX", "AZ3042"},
		{"-BS5820-oy4La2MWGEFj", "BS5820"},
		{"-TR0960-6ep6svaa61r4", "TR0960"},
		{"-DE1360-j9fj28cn3847", "DE1360"},
		{"-XX1150-dv220cotgj4d", "XX1150"},
		{"-UT2300-MNu93JKnm930", "UT2300"},

		{"T03A0----f089kjsdf6e", "T03A0-"},
		{"S58B-----nKl34GoNb75", "S58B--"},
		{"M4-4-0--9aa757Efd5Bl", "M4-4-0"},

		{"AZ2500BTeYUzyabAfo6U", "AZ2500"}, // BitTyrant
		{"exbc0JdSklm834kj9Udf", "exbc0J"}, // Old BitComet
		{"OP1011affbecbfabeefb", "OP1011"}, // Opera
	}

	for _, tt := range clientTable {
		var cid ClientID
		copy(cid[:], tt.clientID)
		require.Equal(t, cid, PeerIDFromString(tt.peerID).ClientID(), "incorrectly parsed peer ID %q", tt.peerID)
	}
}

func TestPeerSeeding(t *testing.T) {
	p := Peer{ID: PeerIDFromString("-TY0001-000000000001"), Left: 512}
	require.False(t, p.Seeding())

	p.Left = 0
	require.True(t, p.Seeding())
}

func TestPeerEquality(t *testing.T) {
	a := Peer{
		ID:   PeerIDFromString("-TY0001-000000000001"),
		IP:   IP{IP: net.ParseIP("10.1.2.3").To4(), AddressFamily: IPv4},
		Port: 6881,
	}

	b := a
	require.True(t, a.Equal(b))

	b.Port = 6882
	require.False(t, a.Equal(b))
	require.False(t, a.EqualEndpoint(b))

	c := a
	c.ID = PeerIDFromString("-TY0001-000000000002")
	require.False(t, a.Equal(c))
	require.True(t, a.EqualEndpoint(c))
}

func TestSanitizeAnnounce(t *testing.T) {
	base := func() *AnnounceRequest {
		return &AnnounceRequest{
			Peer: Peer{
				ID:   PeerIDFromString("-TY0001-000000000001"),
				IP:   IP{IP: net.ParseIP("10.1.2.3")},
				Port: 6881,
			},
		}
	}

	r := base()
	require.Nil(t, SanitizeAnnounce(r, 100, 50))
	require.Equal(t, uint32(50), r.NumWant, "default numwant should be applied")
	require.Equal(t, IPv4, r.Peer.IP.AddressFamily)
	require.Equal(t, net.IPv4len, len(r.Peer.IP.IP))

	r = base()
	r.NumWant = 500
	r.NumWantProvided = true
	require.Nil(t, SanitizeAnnounce(r, 100, 50))
	require.Equal(t, uint32(100), r.NumWant, "numwant should be clamped to the max")

	r = base()
	r.Peer.Port = 0
	require.Equal(t, ErrInvalidPort, SanitizeAnnounce(r, 100, 50))

	r = base()
	r.Peer.IP.IP = nil
	require.Equal(t, ErrInvalidIP, SanitizeAnnounce(r, 100, 50))

	r = base()
	r.Peer.IP.IP = net.ParseIP("fc00::0001")
	require.Nil(t, SanitizeAnnounce(r, 100, 50))
	require.Equal(t, IPv6, r.Peer.IP.AddressFamily)
}

func TestSanitizeScrape(t *testing.T) {
	r := &ScrapeRequest{
		InfoHashes: []InfoHash{
			InfoHashFromString("00000000000000000001"),
			InfoHashFromString("00000000000000000002"),
			InfoHashFromString("00000000000000000003"),
		},
	}

	require.Nil(t, SanitizeScrape(r, 2))
	require.Equal(t, 2, len(r.InfoHashes), "infohashes should be truncated to the max")
}

func TestIsClientError(t *testing.T) {
	require.True(t, IsClientError(ClientError("generic")))
	require.True(t, IsClientError(ProtocolError("malformed")))
	require.True(t, IsClientError(ApprovalError("unapproved")))
	require.True(t, IsClientError(RateLimitError("too soon")))
	require.False(t, IsClientError(ErrUnknownEvent))
}

package http

import (
	"net"
	"net/http"

	"github.com/tyto-tracker/tyto/bittorrent"
)

// ParseOptions controls how announce and scrape requests are read off the
// wire.
//
// AllowIPSpoofing trusts the ip/ipv4/ipv6 query parameters; RealIPHeader
// names an HTTP header whose first value replaces the connection's remote
// address. With neither set, the peer address is the connection's.
type ParseOptions struct {
	AllowIPSpoofing     bool   `yaml:"allow_ip_spoofing"`
	RealIPHeader        string `yaml:"real_ip_header"`
	MaxNumWant          uint32 `yaml:"max_numwant"`
	DefaultNumWant      uint32 `yaml:"default_numwant"`
	MaxScrapeInfoHashes uint32 `yaml:"max_scrape_infohashes"`
}

// Default parser config constants.
const (
	defaultMaxNumWant          uint32 = 100
	defaultDefaultNumWant      uint32 = 50
	defaultMaxScrapeInfoHashes uint32 = 50
)

// requiredUint64 reads a numeric parameter that every announce must carry.
func requiredUint64(qp *bittorrent.QueryParams, key string) (uint64, error) {
	v, err := qp.Uint64(key)
	if err != nil {
		return 0, bittorrent.ClientError("failed to parse parameter: " + key)
	}
	return v, nil
}

// ParseAnnounce builds a bittorrent.AnnounceRequest from an http.Request.
func ParseAnnounce(r *http.Request, opts ParseOptions) (*bittorrent.AnnounceRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	request := &bittorrent.AnnounceRequest{Params: qp}

	var eventStr string
	eventStr, request.EventProvided = qp.String("event")
	if request.EventProvided {
		request.Event, err = bittorrent.NewEvent(eventStr)
		if err != nil {
			return nil, bittorrent.ClientError("failed to provide valid client event")
		}
	} else {
		request.Event = bittorrent.None
	}

	compactStr, _ := qp.String("compact")
	request.Compact = compactStr != "" && compactStr != "0"

	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("no info_hash parameter supplied")
	}
	if len(infoHashes) > 1 {
		return nil, bittorrent.ClientError("multiple info_hash parameters supplied")
	}
	request.InfoHash = infoHashes[0]

	peerID, ok := qp.String("peer_id")
	if !ok {
		return nil, bittorrent.ClientError("failed to parse parameter: peer_id")
	}
	if len(peerID) != 20 {
		return nil, bittorrent.ClientError("failed to provide valid peer_id")
	}
	request.Peer.ID = bittorrent.PeerIDFromString(peerID)

	if request.Left, err = requiredUint64(qp, "left"); err != nil {
		return nil, err
	}
	if request.Downloaded, err = requiredUint64(qp, "downloaded"); err != nil {
		return nil, err
	}
	if request.Uploaded, err = requiredUint64(qp, "uploaded"); err != nil {
		return nil, err
	}

	// numwant is optional; sanitization clamps or substitutes it later.
	numwant, err := qp.Uint64("numwant")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.ClientError("failed to parse parameter: numwant")
	}
	request.NumWantProvided = err == nil
	request.NumWant = uint32(numwant)

	port, err := requiredUint64(qp, "port")
	if err != nil {
		return nil, err
	}
	request.Peer.Port = uint16(port)

	request.Peer.IP.IP, request.IPProvided = resolveIP(r, qp, opts)
	if request.Peer.IP.IP == nil {
		return nil, bittorrent.ClientError("failed to parse peer IP address")
	}

	if err := bittorrent.SanitizeAnnounce(request, opts.MaxNumWant, opts.DefaultNumWant); err != nil {
		return nil, err
	}

	return request, nil
}

// ParseScrape builds a bittorrent.ScrapeRequest from an http.Request.
func ParseScrape(r *http.Request, opts ParseOptions) (*bittorrent.ScrapeRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("no info_hash parameter supplied")
	}

	request := &bittorrent.ScrapeRequest{
		InfoHashes: infoHashes,
		Params:     qp,
	}

	if err := bittorrent.SanitizeScrape(request, opts.MaxScrapeInfoHashes); err != nil {
		return nil, err
	}

	return request, nil
}

// resolveIP picks the peer address for a request, in order of preference:
// a spoofed parameter when permitted, the configured real-IP header, and
// finally the address of the connection itself.
func resolveIP(r *http.Request, qp bittorrent.Params, opts ParseOptions) (ip net.IP, provided bool) {
	if opts.AllowIPSpoofing {
		for _, param := range []string{"ip", "ipv4", "ipv6"} {
			if ipstr, ok := qp.String(param); ok {
				return net.ParseIP(ipstr), true
			}
		}
	}

	if opts.RealIPHeader != "" {
		if ipstr := r.Header.Get(opts.RealIPHeader); ipstr != "" {
			return net.ParseIP(ipstr), false
		}
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return net.ParseIP(host), false
}

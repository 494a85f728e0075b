// Package bittorrent implements all of the abstractions used to decouple the
// protocol of a BitTorrent tracker from the logic of handling Announces and
// Scrapes.
package bittorrent

import (
	"fmt"
	"net"
	"time"

	"github.com/tyto-tracker/tyto/pkg/log"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String implements fmt.Stringer, returning the base16 encoded PeerID.
func (p PeerID) String() string {
	return fmt.Sprintf("%x", p[:])
}

// RawString returns a 20-byte string of the raw bytes of the PeerID.
func (p PeerID) RawString() string {
	return string(p[:])
}

// ClientID represents the part of a PeerID that identifies a Peer's client
// software.
type ClientID [6]byte

// ClientID returns the client-identifying section of a PeerID.
//
// For Azureus-style peer IDs ("-XX1234-...") this is the six bytes following
// the leading dash, for Shadow-style peer IDs the first six bytes.
func (p PeerID) ClientID() ClientID {
	var cid ClientID
	length := len(p)
	if length >= 6 {
		if p[0] == '-' {
			if length >= 7 {
				copy(cid[:], p[1:7])
			}
		} else {
			copy(cid[:], p[:6])
		}
	}

	return cid
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// String implements fmt.Stringer, returning the base16 encoded InfoHash.
func (i InfoHash) String() string {
	return fmt.Sprintf("%x", i[:])
}

// RawString returns a 20-byte string of the raw bytes of the InfoHash.
func (i InfoHash) RawString() string {
	return string(i[:])
}

// AddressFamily is the address family of an IP address.
type AddressFamily uint8

// AddressFamily constants.
const (
	IPv4 AddressFamily = iota
	IPv6
)

// String implements fmt.Stringer for an AddressFamily.
func (af AddressFamily) String() string {
	switch af {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		panic("tried to print unknown AddressFamily")
	}
}

// IP is a net.IP with an AddressFamily.
type IP struct {
	net.IP
	AddressFamily
}

// String implements fmt.Stringer for an IP.
func (ip IP) String() string {
	return ip.IP.String()
}

// Peer represents one peer's participation in a swarm: its identity, its
// network location and its transfer counters.
//
// A Peer with Left == 0 is a seeder, any other Peer is a leecher.
type Peer struct {
	ID   PeerID
	IP   IP
	Port uint16

	Uploaded   uint64
	Downloaded uint64
	Left       uint64
}

// Seeding reports whether the peer has nothing left to download.
func (p Peer) Seeding() bool { return p.Left == 0 }

// String implements fmt.Stringer for a human-friendly representation of a
// Peer.
func (p Peer) String() string {
	return fmt.Sprintf("%s@[%s]:%d", p.ID, p.IP, p.Port)
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":   p.ID,
		"ip":   p.IP,
		"port": p.Port,
		"left": p.Left,
	}
}

// Equal reports whether p and x are the same.
func (p Peer) Equal(x Peer) bool { return p.EqualEndpoint(x) && p.ID == x.ID }

// EqualEndpoint reports whether p and x have the same endpoint.
func (p Peer) EqualEndpoint(x Peer) bool {
	return p.Port == x.Port && p.IP.Equal(x.IP.IP)
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	Event           Event
	InfoHash        InfoHash
	Compact         bool
	EventProvided   bool
	NumWantProvided bool
	IPProvided      bool
	NumWant         uint32

	Peer
	Params
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"event":           r.Event,
		"infoHash":        r.InfoHash,
		"compact":         r.Compact,
		"eventProvided":   r.EventProvided,
		"numWantProvided": r.NumWantProvided,
		"ipProvided":      r.IPProvided,
		"numWant":         r.NumWant,
		"peer":            r.Peer,
	}
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact    bool
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
	Interval   time.Duration
	IPv4Peers  []Peer
	IPv6Peers  []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"compact":    r.Compact,
		"complete":   r.Complete,
		"incomplete": r.Incomplete,
		"snatches":   r.Snatches,
		"interval":   r.Interval,
		"ipv4Peers":  r.IPv4Peers,
		"ipv6Peers":  r.IPv6Peers,
	}
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	InfoHashes []InfoHash
	Params     Params
}

// LogFields renders the current request as a set of log fields.
func (r ScrapeRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHashes": r.InfoHashes,
	}
}

// ScrapeResponse represents the parameters used to create a scrape response.
//
// The Files must be in the same order as the InfoHashes in the corresponding
// ScrapeRequest.
type ScrapeResponse struct {
	Files []Scrape
}

// LogFields renders the current response as a set of log fields.
func (sr ScrapeResponse) LogFields() log.Fields {
	return log.Fields{
		"files": sr.Files,
	}
}

// Scrape represents the state of a swarm that is returned in a scrape
// response.
type Scrape struct {
	InfoHash   InfoHash
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
}

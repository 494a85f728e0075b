// Package clientapproval implements a Hook that fails an Announce based on a
// configured list of BitTorrent client ID prefixes.
package clientapproval

import (
	"context"
	"fmt"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/middleware"
	"github.com/tyto-tracker/tyto/pkg/log"
)

// Name is the name by which this middleware is registered.
const Name = "client approval"

// ErrClientUnapproved is the error returned when a client's PeerID matches
// the reject side of the configured policy.
var ErrClientUnapproved = bittorrent.ApprovalError("unapproved client")

// Config represents all the values required by this middleware to validate
// peers based on their BitTorrent client ID.
//
// BlacklistStyle is inverted relative to the usual allow-list naming: true
// selects blacklist semantics, where listed prefixes are rejected and
// everything else is approved. False selects whitelist semantics, where only
// listed prefixes are approved. The polarity is kept exactly as the config
// format defines it.
type Config struct {
	Enabled        bool     `yaml:"enabled"`
	BlacklistStyle bool     `yaml:"blacklist_style"`
	Versioned      bool     `yaml:"versioned"`
	ClientList     []string `yaml:"client_list"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"enabled":        cfg.Enabled,
		"blacklistStyle": cfg.BlacklistStyle,
		"versioned":      cfg.Versioned,
		"clientList":     cfg.ClientList,
	}
}

// prefixLen returns the number of bytes of the client ID that participate in
// matching: the two-byte client code, or the full six bytes including the
// version when Versioned is set.
func (cfg Config) prefixLen() int {
	if cfg.Versioned {
		return 6
	}
	return 2
}

type hook struct {
	cfg     Config
	clients map[string]struct{}
}

// NewHook returns an instance of the client approval middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	h := &hook{
		cfg:     cfg,
		clients: make(map[string]struct{}),
	}

	for _, prefix := range cfg.ClientList {
		if len(prefix) != cfg.prefixLen() {
			return nil, fmt.Errorf("client prefix %q must be %d bytes", prefix, cfg.prefixLen())
		}
		h.clients[prefix] = struct{}{}
	}

	return h, nil
}

func (h *hook) approved(id bittorrent.PeerID) bool {
	if !h.cfg.Enabled {
		return true
	}

	cid := id.ClientID()
	_, listed := h.clients[string(cid[:h.cfg.prefixLen()])]

	if h.cfg.BlacklistStyle {
		return !listed
	}
	return listed
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.approved(req.Peer.ID) {
		return ctx, ErrClientUnapproved
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes don't require any protection.
	return ctx, nil
}

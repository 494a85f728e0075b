// Package frontend provides the interface of a frontend to the tracker
// logic.
package frontend

import (
	"context"

	"github.com/tyto-tracker/tyto/bittorrent"
)

// TrackerLogic is the interface used by frontends to process requests from
// BitTorrent clients.
type TrackerLogic interface {
	// HandleAnnounce generates a response for an Announce.
	//
	// Returns the updated context, the generated AnnounceResponse and no
	// error on success.
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest) (context.Context, *bittorrent.AnnounceResponse, error)

	// AfterAnnounce does something with the results of an Announce after
	// it has been completed.
	AfterAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse)

	// HandleScrape generates a response for a Scrape.
	//
	// Returns the updated context, the generated ScrapeResponse and no
	// error on success.
	HandleScrape(context.Context, *bittorrent.ScrapeRequest) (context.Context, *bittorrent.ScrapeResponse, error)

	// AfterScrape does something with the results of a Scrape after it
	// has been completed.
	AfterScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse)
}

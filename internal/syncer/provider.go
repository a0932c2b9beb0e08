package syncer

import (
	"context"

	"github.com/satchel-dev/satchel/internal/storage"
)

// Upstream is one normalized provider record. Exactly one of Event or Doc
// is set, matching the provider's RecordClass.
type Upstream struct {
	// ID is the provider's stable identifier for the record.
	ID    string
	Event *storage.CalendarEvent
	Doc   *storage.Document
}

// Page is one fetched chunk of upstream records. An empty NextPageToken
// signals the end of the pass.
type Page struct {
	Records       []Upstream
	NextPageToken string
}

// Provider fetches paginated records from one upstream source. FetchPage is
// called sequentially with the token returned by the previous page; the
// first call passes an empty pageToken.
type Provider interface {
	Capability() Capability
	Class() RecordClass
	FetchPage(ctx context.Context, accessToken, pageToken string) (Page, error)
}

// Package feed defines the upstream side of the pipeline: a source delivers
// snapshots of its chapter feed, already shaped into raw records but not yet
// normalized. How a source talks to its upstream (scraping, API polling,
// dumps) is its own business.
package feed

import (
	"context"

	"github.com/mangabridge/mangabridge/pkg/normalize"
)

// Series is the feed's metadata for one upstream series.
type Series struct {
	SourceMangaID string
	Name          string
	Language      string
}

// Snapshot is one pull of the feed. Chapters keep the feed's own ordering
// within each series; number normalization depends on it.
type Snapshot struct {
	Series   []Series
	Chapters []normalize.RawChapter
}

// Source is implemented per upstream origin.
type Source interface {
	// Origin returns the tag stamped onto every record from this source.
	Origin() string
	// Fetch pulls the current feed snapshot.
	Fetch(ctx context.Context) (*Snapshot, error)
}

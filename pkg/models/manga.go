package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Manga is an upstream series tracked by the pipeline. TargetMangaID is the
// downstream platform id the series publishes to; it is supplied externally
// (never inferred) and immutable once set.
type Manga struct {
	bun.BaseModel `bun:"table:manga,alias:m"`

	ID            int       `bun:",pk,autoincrement" json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	SourceMangaID string    `bun:",notnull" json:"source_manga_id"`
	Name          string    `bun:",notnull" json:"name"`
	Language      string    `bun:",notnull" json:"language"`
	OriginTag     string    `bun:",notnull" json:"origin_tag"`
	TargetMangaID *string   `json:"target_manga_id,omitempty"`
}

// Tracked reports whether the series has a downstream mapping and so can have
// chapters published.
func (m *Manga) Tracked() bool {
	return m.TargetMangaID != nil && *m.TargetMangaID != ""
}

package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Chapter is the canonical value for one publishable unit. Number is either
// nil or a normalized decimal-like string with no leading zeros and no "#"
// prefix. TargetChapterID is only ever set after a confirmed successful
// publish.
type Chapter struct {
	bun.BaseModel `bun:"table:chapters,alias:ch"`

	ID              int        `bun:",pk,autoincrement" json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SourceChapterID string     `bun:",notnull" json:"source_chapter_id"`
	TargetChapterID *string    `json:"target_chapter_id,omitempty"`
	SourceMangaID   string     `bun:",notnull" json:"source_manga_id"`
	TargetMangaID   *string    `json:"target_manga_id,omitempty"`
	MangaName       string     `json:"manga_name"`
	Number          *string    `json:"number"`
	Title           *string    `json:"title"`
	Volume          *string    `json:"volume"`
	Language        string     `bun:",notnull" json:"language"`
	PublishAt       time.Time  `json:"publish_at"`
	ExpireAt        *time.Time `json:"expire_at"`
	SourceURL       string     `json:"source_url"`
	OriginTag       string     `bun:",notnull" json:"origin_tag"`
}

// Expired reports whether the chapter's visibility window has passed.
func (ch *Chapter) Expired(now time.Time) bool {
	return ch.ExpireAt != nil && !ch.ExpireAt.After(now)
}

// Published reports whether the chapter has a confirmed downstream id.
func (ch *Chapter) Published() bool {
	return ch.TargetChapterID != nil && *ch.TargetChapterID != ""
}

// DeletedChapter is the audit-trail copy of a chapter whose downstream delete
// was confirmed. Rows are only ever inserted.
type DeletedChapter struct {
	bun.BaseModel `bun:"table:deleted_chapters,alias:dch"`

	ID              int        `bun:",pk,autoincrement" json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       time.Time  `json:"deleted_at"`
	SourceChapterID string     `bun:",notnull" json:"source_chapter_id"`
	TargetChapterID *string    `json:"target_chapter_id,omitempty"`
	SourceMangaID   string     `bun:",notnull" json:"source_manga_id"`
	TargetMangaID   *string    `json:"target_manga_id,omitempty"`
	Number          *string    `json:"number"`
	Title           *string    `json:"title"`
	Volume          *string    `json:"volume"`
	Language        string     `json:"language"`
	ExpireAt        *time.Time `json:"expire_at"`
	SourceURL       string     `json:"source_url"`
	OriginTag       string     `json:"origin_tag"`
}

// NewDeletedChapter copies a chapter into its audit-trail form.
func NewDeletedChapter(ch *Chapter, now time.Time) *DeletedChapter {
	return &DeletedChapter{
		CreatedAt:       ch.CreatedAt,
		DeletedAt:       now,
		SourceChapterID: ch.SourceChapterID,
		TargetChapterID: ch.TargetChapterID,
		SourceMangaID:   ch.SourceMangaID,
		TargetMangaID:   ch.TargetMangaID,
		Number:          ch.Number,
		Title:           ch.Title,
		Volume:          ch.Volume,
		Language:        ch.Language,
		ExpireAt:        ch.ExpireAt,
		SourceURL:       ch.SourceURL,
		OriginTag:       ch.OriginTag,
	}
}

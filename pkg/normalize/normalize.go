package normalize

import (
	"time"

	"github.com/mangabridge/mangabridge/pkg/models"
)

// RawChapter is one record of the upstream feed, before identity
// normalization.
type RawChapter struct {
	SourceChapterID string
	SourceMangaID   string
	NumberRaw       string
	TitleRaw        string
	Volume          string
	Language        string
	PublishAt       time.Time
	ExpireAt        *time.Time
	SourceURL       string
}

// Chapters normalizes one raw record in the context of its ordered feed
// neighbors. Comma-joined source numbers yield one Chapter per part, sharing
// every other field.
func (r *Rules) Chapters(manga *models.Manga, raw RawChapter, neighborNumbers []string, idx int) []*models.Chapter {
	parts := r.NumberParts(neighborNumbers, idx)

	out := make([]*models.Chapter, 0, len(parts))
	for _, number := range parts {
		title := r.Title(raw.SourceMangaID, raw.TitleRaw, number != nil)

		var volume *string
		if raw.Volume != "" {
			v := raw.Volume
			volume = &v
		}

		out = append(out, &models.Chapter{
			SourceChapterID: raw.SourceChapterID,
			SourceMangaID:   raw.SourceMangaID,
			TargetMangaID:   manga.TargetMangaID,
			MangaName:       manga.Name,
			Number:          number,
			Title:           title,
			Volume:          volume,
			Language:        raw.Language,
			PublishAt:       raw.PublishAt,
			ExpireAt:        raw.ExpireAt,
			SourceURL:       raw.SourceURL,
			OriginTag:       manga.OriginTag,
		})
	}
	return out
}

// Package chapters is the durable store for manga, published chapters and
// the deleted-chapter audit trail.
package chapters

import (
	"context"
	"database/sql"
	"time"

	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type RetrieveMangaOptions struct {
	ID            *int
	SourceMangaID *string
	OriginTag     *string
}

type ListMangaOptions struct {
	OriginTag   *string
	TrackedOnly bool
}

type ListChaptersOptions struct {
	SourceMangaID   *string
	OriginTag       *string
	Language        *string
	PublishedOnly   bool
	ExpiredAsOf     *time.Time
	TargetChapterID *string
}

type UpdateChapterOptions struct {
	Columns []string
}

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) CreateManga(ctx context.Context, manga *models.Manga) error {
	now := time.Now()
	if manga.CreatedAt.IsZero() {
		manga.CreatedAt = now
	}
	manga.UpdatedAt = manga.CreatedAt

	_, err := svc.db.
		NewInsert().
		Model(manga).
		Returning("*").
		Exec(ctx)
	return errors.WithStack(err)
}

func (svc *Service) RetrieveManga(ctx context.Context, opts RetrieveMangaOptions) (*models.Manga, error) {
	manga := &models.Manga{}

	q := svc.db.
		NewSelect().
		Model(manga)

	if opts.ID != nil {
		q = q.Where("m.id = ?", *opts.ID)
	}
	if opts.SourceMangaID != nil {
		q = q.Where("m.source_manga_id = ?", *opts.SourceMangaID)
	}
	if opts.OriginTag != nil {
		q = q.Where("m.origin_tag = ?", *opts.OriginTag)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("manga")
		}
		return nil, errors.WithStack(err)
	}

	return manga, nil
}

func (svc *Service) ListManga(ctx context.Context, opts ListMangaOptions) ([]*models.Manga, error) {
	manga := []*models.Manga{}

	q := svc.db.
		NewSelect().
		Model(&manga).
		Order("m.id ASC")

	if opts.OriginTag != nil {
		q = q.Where("m.origin_tag = ?", *opts.OriginTag)
	}
	if opts.TrackedOnly {
		q = q.Where("m.target_manga_id IS NOT NULL")
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return manga, nil
}

// CreateChapter records a chapter. Used both for backlog entries and, with
// TargetChapterID set, for confirmed publishes.
func (svc *Service) CreateChapter(ctx context.Context, chapter *models.Chapter) error {
	now := time.Now()
	if chapter.CreatedAt.IsZero() {
		chapter.CreatedAt = now
	}
	chapter.UpdatedAt = chapter.CreatedAt

	_, err := svc.db.
		NewInsert().
		Model(chapter).
		Returning("*").
		Exec(ctx)
	return errors.WithStack(err)
}

// UpsertPublished stores a confirmed publish, updating the existing row for
// the same source chapter and number when one exists.
func (svc *Service) UpsertPublished(ctx context.Context, chapter *models.Chapter) error {
	existing := &models.Chapter{}
	q := svc.db.
		NewSelect().
		Model(existing).
		Where("ch.origin_tag = ?", chapter.OriginTag).
		Where("ch.source_chapter_id = ?", chapter.SourceChapterID).
		Where("ch.language = ?", chapter.Language)
	if chapter.Number == nil {
		q = q.Where("ch.number IS NULL")
	} else {
		q = q.Where("ch.number = ?", *chapter.Number)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return svc.CreateChapter(ctx, chapter)
		}
		return errors.WithStack(err)
	}

	chapter.ID = existing.ID
	chapter.CreatedAt = existing.CreatedAt
	return svc.UpdateChapter(ctx, chapter, UpdateChapterOptions{
		Columns: []string{"target_chapter_id", "target_manga_id", "title", "volume", "number", "expire_at", "source_url"},
	})
}

func (svc *Service) ListChapters(ctx context.Context, opts ListChaptersOptions) ([]*models.Chapter, error) {
	chapters := []*models.Chapter{}

	q := svc.db.
		NewSelect().
		Model(&chapters).
		Order("ch.id ASC")

	if opts.SourceMangaID != nil {
		q = q.Where("ch.source_manga_id = ?", *opts.SourceMangaID)
	}
	if opts.OriginTag != nil {
		q = q.Where("ch.origin_tag = ?", *opts.OriginTag)
	}
	if opts.Language != nil {
		q = q.Where("ch.language = ?", *opts.Language)
	}
	if opts.PublishedOnly {
		q = q.Where("ch.target_chapter_id IS NOT NULL")
	}
	if opts.ExpiredAsOf != nil {
		q = q.Where("ch.expire_at IS NOT NULL").Where("ch.expire_at <= ?", *opts.ExpiredAsOf)
	}
	if opts.TargetChapterID != nil {
		q = q.Where("ch.target_chapter_id = ?", *opts.TargetChapterID)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return chapters, nil
}

func (svc *Service) UpdateChapter(ctx context.Context, chapter *models.Chapter, opts UpdateChapterOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}

	chapter.UpdatedAt = time.Now()
	columns := append(opts.Columns, "updated_at")

	_, err := svc.db.
		NewUpdate().
		Model(chapter).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("chapter")
		}
		return errors.WithStack(err)
	}

	return nil
}

// MoveToDeleted copies the chapter into the audit trail and removes it from
// the live table, in one transaction. Chapters are never dropped without the
// audit copy.
func (svc *Service) MoveToDeleted(ctx context.Context, chapter *models.Chapter) error {
	deleted := models.NewDeletedChapter(chapter, time.Now())

	err := svc.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(deleted).Exec(ctx); err != nil {
			return errors.WithStack(err)
		}
		if chapter.ID != 0 {
			if _, err := tx.NewDelete().Model(chapter).WherePK().Exec(ctx); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (svc *Service) ListDeletedChapters(ctx context.Context, sourceMangaID *string) ([]*models.DeletedChapter, error) {
	deleted := []*models.DeletedChapter{}

	q := svc.db.
		NewSelect().
		Model(&deleted).
		Order("dch.id ASC")

	if sourceMangaID != nil {
		q = q.Where("dch.source_manga_id = ?", *sourceMangaID)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return deleted, nil
}

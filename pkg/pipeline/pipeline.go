// Package pipeline orchestrates one synchronization run: pull the feed,
// normalize, reconcile against the downstream platform, enqueue the needed
// operations, retire expired chapters and report what happened.
package pipeline

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/mangabridge/mangabridge/pkg/expiry"
	"github.com/mangabridge/mangabridge/pkg/feed"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/normalize"
	"github.com/mangabridge/mangabridge/pkg/notify"
	"github.com/mangabridge/mangabridge/pkg/queue"
	"github.com/mangabridge/mangabridge/pkg/reconcile"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Summary is what one run did.
type Summary struct {
	Series         int
	UploadsQueued  int
	EditsQueued    int
	Skipped        int
	Untracked      int
	ExpiredQueued  int
	SeriesFailed   int
	MissingIndexed int
}

type Runner struct {
	log logger.Logger

	source  feed.Source
	gw      *gateway.Gateway
	store   *chapters.Service
	queue   *queue.Service
	expiry  *expiry.Scheduler
	engine  *reconcile.Engine
	rules   *normalize.Rules
	sink    notify.Sink
	groupID string

	// lastRunAt bounds the indexing check of the next run.
	lastRunAt time.Time
}

func NewRunner(source feed.Source, gw *gateway.Gateway, store *chapters.Service, q *queue.Service, exp *expiry.Scheduler, engine *reconcile.Engine, rules *normalize.Rules, sink notify.Sink, groupID string) *Runner {
	return &Runner{
		log: logger.New(),

		source:  source,
		gw:      gw,
		store:   store,
		queue:   q,
		expiry:  exp,
		engine:  engine,
		rules:   rules,
		sink:    sink,
		groupID: groupID,
	}
}

// Run executes one full synchronization pass. A failure inside one series is
// contained and reported; only feed-level failures abort the run.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log := r.log.ID(runID.String()).Root(logger.Data{"origin": r.source.Origin()})
	ctx = log.WithContext(ctx)

	startedAt := time.Now()
	log.Info("run started")

	snapshot, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "feed fetch failed")
	}

	summary := &Summary{}

	if !r.lastRunAt.IsZero() {
		summary.MissingIndexed = r.checkIndexed(ctx, r.lastRunAt)
	}
	r.lastRunAt = startedAt

	byManga := groupBySeries(snapshot.Chapters)
	inflight := reconcile.NewInFlight()

	for _, series := range snapshot.Series {
		raws := byManga[series.SourceMangaID]
		if len(raws) == 0 {
			continue
		}
		summary.Series++

		manga, err := r.ensureManga(ctx, series)
		if err != nil {
			log.Err(err).Error("series lookup failed", logger.Data{"series": series.Name})
			summary.SeriesFailed++
			continue
		}
		if !manga.Tracked() {
			summary.Untracked++
			log.Warn("series has no downstream mapping, skipping", logger.Data{"series": manga.Name})
			continue
		}

		uploads, edits, skipped, err := r.syncSeries(ctx, manga, raws, inflight)
		if err != nil {
			log.Err(err).Error("series sync failed", logger.Data{"series": manga.Name})
			summary.SeriesFailed++
			continue
		}
		summary.UploadsQueued += uploads
		summary.EditsQueued += edits
		summary.Skipped += skipped

		if uploads > 0 || edits > 0 {
			r.sink.Publish(ctx, notify.Event{
				Kind:      notify.KindMangaBatch,
				OriginTag: manga.OriginTag,
				Message:   manga.Name,
				Timestamp: time.Now(),
				Fields: map[string]interface{}{
					"uploads_queued": uploads,
					"edits_queued":   edits,
				},
			})
		}
	}

	expired, err := r.expiry.Scan(ctx)
	if err != nil {
		log.Err(err).Error("expiry scan failed")
	}
	summary.ExpiredQueued = expired

	r.sink.Publish(ctx, notify.Event{
		Kind:      notify.KindRunSummary,
		OriginTag: r.source.Origin(),
		Message:   "run finished",
		Timestamp: time.Now(),
		Fields: map[string]interface{}{
			"series":          summary.Series,
			"uploads_queued":  summary.UploadsQueued,
			"edits_queued":    summary.EditsQueued,
			"skipped":         summary.Skipped,
			"untracked":       summary.Untracked,
			"expired_queued":  summary.ExpiredQueued,
			"series_failed":   summary.SeriesFailed,
			"missing_indexed": summary.MissingIndexed,
			"duration":        time.Since(startedAt).String(),
		},
	})
	log.Info("run finished", logger.Data{"uploads_queued": summary.UploadsQueued, "edits_queued": summary.EditsQueued})

	return summary, nil
}

// ensureManga returns the stored series record, creating an untracked one the
// first time a series appears in the feed. The downstream mapping is never
// set here; it is supplied externally.
func (r *Runner) ensureManga(ctx context.Context, series feed.Series) (*models.Manga, error) {
	origin := r.source.Origin()
	manga, err := r.store.RetrieveManga(ctx, chapters.RetrieveMangaOptions{
		SourceMangaID: &series.SourceMangaID,
		OriginTag:     &origin,
	})
	if err == nil {
		return manga, nil
	}
	if errcodes.ClassOf(err) != errcodes.ClassNotFound {
		return nil, err
	}

	manga = &models.Manga{
		SourceMangaID: series.SourceMangaID,
		Name:          series.Name,
		Language:      series.Language,
		OriginTag:     origin,
	}
	if err := r.store.CreateManga(ctx, manga); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("new untracked series recorded", logger.Data{"series": series.Name})
	return manga, nil
}

// syncSeries reconciles one series' feed records. It recovers from panics so
// one malformed series cannot abort the whole run.
func (r *Runner) syncSeries(ctx context.Context, manga *models.Manga, raws []normalize.RawChapter, inflight *reconcile.InFlight) (uploads, edits, skipped int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("series sync panicked: %v", rec)
		}
	}()

	platform, err := r.platformListing(ctx, manga)
	if err != nil {
		return 0, 0, 0, err
	}

	neighborNumbers := make([]string, len(raws))
	for i, raw := range raws {
		neighborNumbers[i] = raw.NumberRaw
	}

	for i, raw := range raws {
		for _, ch := range r.rules.Chapters(manga, raw, neighborNumbers, i) {
			decision := r.engine.Classify(ch, platform, inflight)

			switch decision.Kind {
			case reconcile.KindNew:
				op := &models.Operation{
					Verb:       models.OperationVerbUpload,
					DataParsed: &models.OperationUploadData{Chapter: ch},
				}
				if err := r.queue.Enqueue(ctx, op); err != nil {
					return uploads, edits, skipped, err
				}
				inflight.Mark(ch)
				uploads++

			case reconcile.KindOnPlatform:
				// Record the confirmed publish even when the feed and
				// platform agree, so expiry has a row to work from.
				ch.TargetChapterID = &decision.PlatformChapter.ID
				if err := r.store.UpsertPublished(ctx, ch); err != nil {
					return uploads, edits, skipped, err
				}
				inflight.Mark(ch)

				if decision.Edit == nil {
					skipped++
					continue
				}
				op := &models.Operation{
					Verb: models.OperationVerbEdit,
					DataParsed: &models.OperationEditData{
						Chapter:         ch,
						TargetChapterID: decision.PlatformChapter.ID,
						Payload:         decision.Edit,
					},
				}
				if err := r.queue.Enqueue(ctx, op); err != nil {
					return uploads, edits, skipped, err
				}
				edits++

			default:
				skipped++
			}
		}
	}

	return uploads, edits, skipped, nil
}

// platformListing pulls the downstream records for the series, restricted to
// the managed group.
func (r *Runner) platformListing(ctx context.Context, manga *models.Manga) ([]gateway.Chapter, error) {
	params := url.Values{}
	params.Set("manga", *manga.TargetMangaID)
	params.Add("groups[]", r.groupID)
	params.Add("translatedLanguage[]", manga.Language)
	return r.gw.ListChapters(ctx, params)
}

// checkIndexed re-queries the platform for chapters confirmed published since
// the given time and warns about any the listing does not return yet. Missing
// records usually mean the platform's search index is lagging.
func (r *Runner) checkIndexed(ctx context.Context, since time.Time) int {
	log := logger.FromContext(ctx)

	rows, err := r.store.ListChapters(ctx, chapters.ListChaptersOptions{PublishedOnly: true})
	if err != nil {
		log.Err(err).Error("indexing check could not list chapters")
		return 0
	}

	var ids []string
	for _, ch := range rows {
		if ch.UpdatedAt.After(since) {
			ids = append(ids, *ch.TargetChapterID)
		}
	}
	if len(ids) == 0 {
		return 0
	}

	missing := 0
	const chunk = 100
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}

		params := url.Values{}
		for _, id := range ids[start:end] {
			params.Add("ids[]", id)
		}
		listed, err := r.gw.ListChapters(ctx, params)
		if err != nil {
			log.Err(err).Error("indexing check listing failed")
			return missing
		}

		found := map[string]bool{}
		for _, ch := range listed {
			found[ch.ID] = true
		}
		for _, id := range ids[start:end] {
			if !found[id] {
				missing++
				log.Warn("published chapter not yet indexed", logger.Data{"target_chapter_id": id})
			}
		}
	}
	return missing
}

func groupBySeries(raws []normalize.RawChapter) map[string][]normalize.RawChapter {
	grouped := map[string][]normalize.RawChapter{}
	for _, raw := range raws {
		grouped[raw.SourceMangaID] = append(grouped[raw.SourceMangaID], raw)
	}
	return grouped
}

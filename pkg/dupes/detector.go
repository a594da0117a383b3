// Package dupes sweeps the downstream platform for chapter numbers that were
// published more than once and queues the younger copies for deletion.
package dupes

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/queue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const idChunkSize = 100

type Detector struct {
	gw      *gateway.Gateway
	store   *chapters.Service
	queue   *queue.Service
	rules   config.RulesConfig
	groupID string
	log     logger.Logger
}

func NewDetector(gw *gateway.Gateway, store *chapters.Service, q *queue.Service, rules config.RulesConfig, groupID string) *Detector {
	return &Detector{
		gw:      gw,
		store:   store,
		queue:   q,
		rules:   rules,
		groupID: groupID,
		log:     logger.New(),
	}
}

// Scan inspects every tracked manga and enqueues deletes for duplicated
// chapter records. The oldest record of each duplicate group is kept; groups
// whose url is allow-listed for the number keep every record. Returns the
// number of deletes enqueued.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	manga, err := d.store.ListManga(ctx, chapters.ListMangaOptions{TrackedOnly: true})
	if err != nil {
		return 0, errors.Wrap(err, "duplicate scan could not list manga")
	}

	enqueued := 0
	for _, m := range manga {
		n, err := d.scanManga(ctx, m)
		if err != nil {
			// One manga must not sink the whole sweep.
			d.log.Err(err).Error("duplicate scan failed for manga", logger.Data{"manga": m.Name})
			continue
		}
		enqueued += n
	}
	return enqueued, nil
}

func (d *Detector) scanManga(ctx context.Context, m *models.Manga) (int, error) {
	aggregate, err := d.gw.Aggregate(ctx, *m.TargetMangaID, []string{m.Language}, d.groupID)
	if err != nil {
		return 0, err
	}

	var candidateIDs []string
	for _, entry := range aggregate {
		if entry.Count <= 1 {
			continue
		}
		candidateIDs = append(candidateIDs, entry.ID)
		candidateIDs = append(candidateIDs, entry.Others...)
	}
	if len(candidateIDs) == 0 {
		return 0, nil
	}

	records, err := d.fetchByIDs(ctx, candidateIDs)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, group := range groupByNumberAndLanguage(records) {
		for _, extra := range d.duplicatesIn(group) {
			added, err := d.enqueueDelete(ctx, m, extra)
			if err != nil {
				return enqueued, err
			}
			if added {
				enqueued++
				d.log.Info("duplicate chapter queued for deletion", logger.Data{
					"manga":             m.Name,
					"target_chapter_id": extra.ID,
					"number":            deref(extra.Attributes.Chapter),
				})
			}
		}
	}
	return enqueued, nil
}

// fetchByIDs loads full chapter records for the candidate ids, chunked to the
// listing endpoint's id filter limit.
func (d *Detector) fetchByIDs(ctx context.Context, ids []string) ([]gateway.Chapter, error) {
	var all []gateway.Chapter
	for start := 0; start < len(ids); start += idChunkSize {
		end := start + idChunkSize
		if end > len(ids) {
			end = len(ids)
		}

		params := url.Values{}
		for _, id := range ids[start:end] {
			params.Add("ids[]", id)
		}

		page, err := d.gw.ListChapters(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
	return all, nil
}

func groupByNumberAndLanguage(records []gateway.Chapter) map[string][]gateway.Chapter {
	groups := map[string][]gateway.Chapter{}
	for _, rec := range records {
		key := deref(rec.Attributes.Chapter) + "\x00" + rec.Attributes.TranslatedLanguage
		groups[key] = append(groups[key], rec)
	}
	return groups
}

// duplicatesIn returns the records of the group that should be deleted. The
// group is first clustered by source url: two records belong together when
// one url contains the other, query strings ignored. Within each cluster the
// earliest-created record survives. Allow-listed numbers are skipped wholesale.
func (d *Detector) duplicatesIn(group []gateway.Chapter) []gateway.Chapter {
	if len(group) < 2 {
		return nil
	}

	sort.SliceStable(group, func(i, j int) bool {
		return group[i].CreatedTime().Before(group[j].CreatedTime())
	})

	var clusters [][]gateway.Chapter
	for _, rec := range group {
		placed := false
		for i, cluster := range clusters {
			if sameSource(cluster[0], rec) {
				clusters[i] = append(cluster, rec)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []gateway.Chapter{rec})
		}
	}

	var extras []gateway.Chapter
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		if d.allowListed(cluster) {
			continue
		}
		// cluster[0] is the oldest record and survives.
		extras = append(extras, cluster[1:]...)
	}
	return extras
}

// sameSource reports whether two records point at the same upstream chapter.
// Urls are compared by containment in either direction, since one feed links
// the viewer page and another the share url of the same chapter.
func sameSource(a, b gateway.Chapter) bool {
	ua := stripQuery(deref(a.Attributes.ExternalURL))
	ub := stripQuery(deref(b.Attributes.ExternalURL))
	if ua == "" || ub == "" {
		return ua == ub
	}
	return strings.Contains(ua, ub) || strings.Contains(ub, ua)
}

func stripQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// allowListed reports whether the cluster's records are a known bundled
// release: their url matches an allow-list fragment whose number list contains
// the cluster's chapter number.
func (d *Detector) allowListed(cluster []gateway.Chapter) bool {
	number := deref(cluster[0].Attributes.Chapter)
	for fragment, numbers := range d.rules.MultiChapterAllowList {
		for _, rec := range cluster {
			if !strings.Contains(deref(rec.Attributes.ExternalURL), fragment) {
				continue
			}
			for _, n := range numbers {
				if n == number {
					return true
				}
			}
		}
	}
	return false
}

// enqueueDelete queues the extra record for deletion, preferring the stored
// chapter row when one exists so the audit trail keeps the full metadata.
func (d *Detector) enqueueDelete(ctx context.Context, m *models.Manga, rec gateway.Chapter) (bool, error) {
	ch := d.storedChapter(ctx, rec.ID)
	if ch == nil {
		ch = &models.Chapter{
			TargetChapterID: &rec.ID,
			TargetMangaID:   m.TargetMangaID,
			SourceMangaID:   m.SourceMangaID,
			MangaName:       m.Name,
			Number:          rec.Attributes.Chapter,
			Title:           rec.Attributes.Title,
			Volume:          rec.Attributes.Volume,
			Language:        rec.Attributes.TranslatedLanguage,
			OriginTag:       m.OriginTag,
		}
		if rec.Attributes.ExternalURL != nil {
			ch.SourceURL = *rec.Attributes.ExternalURL
		}
	}

	op := &models.Operation{
		Verb:            models.OperationVerbDelete,
		TargetChapterID: &rec.ID,
		DataParsed:      &models.OperationDeleteData{Chapter: ch},
	}
	return d.queue.EnqueueDelete(ctx, op)
}

func (d *Detector) storedChapter(ctx context.Context, targetChapterID string) *models.Chapter {
	rows, err := d.store.ListChapters(ctx, chapters.ListChaptersOptions{TargetChapterID: &targetChapterID})
	if err != nil || len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

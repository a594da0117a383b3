package pipeline

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/expiry"
	"github.com/mangabridge/mangabridge/pkg/feed"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/migrations"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/normalize"
	"github.com/mangabridge/mangabridge/pkg/notify"
	"github.com/mangabridge/mangabridge/pkg/queue"
	"github.com/mangabridge/mangabridge/pkg/reconcile"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

type fakeSource struct {
	snapshot *feed.Snapshot
}

func (s *fakeSource) Origin() string { return "mangaplus" }

func (s *fakeSource) Fetch(context.Context) (*feed.Snapshot, error) {
	return s.snapshot, nil
}

type fixture struct {
	runner *Runner
	store  *chapters.Service
	queue  *queue.Service
}

// newFixture wires a runner against a platform stub whose /chapter listing
// returns the given records.
func newFixture(t *testing.T, snapshot *feed.Snapshot, platformRecords []map[string]interface{}) *fixture {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/chapter", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload, _ := json.Marshal(map[string]interface{}{
			"data":  platformRecords,
			"total": len(platformRecords),
		})
		w.Write(payload) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.TargetConfig{
		APIURL:            srv.URL,
		GroupID:           "group-1",
		UserAgent:         "mangabridge-test/1.0",
		RequestsPerSecond: 1000,
		RetryAttempts:     2,
		RetryBackoff:      time.Millisecond,
		RateLimitCooldown: time.Millisecond,
	}

	db := newTestDB(t)
	store := chapters.NewService(db)
	q := queue.NewService(db)

	runner := NewRunner(
		&fakeSource{snapshot: snapshot},
		gateway.New(cfg, nil),
		store,
		q,
		expiry.NewScheduler(store, q),
		reconcile.New(nil),
		normalize.DefaultRules(),
		notify.NoopSink{},
		"group-1",
	)

	return &fixture{runner: runner, store: store, queue: q}
}

func trackedManga(t *testing.T, store *chapters.Service) {
	t.Helper()

	require.NoError(t, store.CreateManga(context.Background(), &models.Manga{
		SourceMangaID: "100037",
		Name:          "Spy Story",
		Language:      "en",
		OriginTag:     "mangaplus",
		TargetMangaID: pointerutil.String("uuid-manga-1"),
	}))
}

func rawChapter(sourceChapterID, number string) normalize.RawChapter {
	return normalize.RawChapter{
		SourceChapterID: sourceChapterID,
		SourceMangaID:   "100037",
		NumberRaw:       number,
		TitleRaw:        "Chapter " + number + ": The Duel",
		Language:        "en",
		PublishAt:       time.Now().Add(-time.Hour),
		SourceURL:       "https://upstream.example/viewer/" + sourceChapterID,
	}
}

func spySnapshot(chapterRecords ...normalize.RawChapter) *feed.Snapshot {
	return &feed.Snapshot{
		Series: []feed.Series{
			{SourceMangaID: "100037", Name: "Spy Story", Language: "en"},
		},
		Chapters: chapterRecords,
	}
}

func TestRunEnqueuesNewChapter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, spySnapshot(rawChapter("1001", "10")), nil)
	trackedManga(t, f.store)

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UploadsQueued)
	assert.Equal(t, 0, summary.EditsQueued)

	ops, err := f.queue.ListOperations(context.Background(), queue.ListOperationsOptions{})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationVerbUpload, ops[0].Verb)

	data := ops[0].DataParsed.(*models.OperationUploadData)
	assert.Equal(t, "10", *data.Chapter.Number)
	assert.Equal(t, "The Duel", *data.Chapter.Title)
	assert.Equal(t, "uuid-manga-1", *data.Chapter.TargetMangaID)
}

func TestRunSameChapterTwiceQueuesOneUpload(t *testing.T) {
	t.Parallel()

	// The feed re-issues the same chapter within one snapshot; only one
	// upload may come out.
	f := newFixture(t, spySnapshot(rawChapter("1001", "10"), rawChapter("1001", "10")), nil)
	trackedManga(t, f.store)

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UploadsQueued)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRunCommaNumberQueuesPerPart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, spySnapshot(rawChapter("1001", "#012,#013")), nil)
	trackedManga(t, f.store)

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.UploadsQueued)
}

func TestRunOnPlatformWithDriftQueuesEdit(t *testing.T) {
	t.Parallel()

	platform := []map[string]interface{}{
		{
			"id": "uuid-ch-1",
			"attributes": map[string]interface{}{
				"chapter":            "10",
				"title":              "Stale Title",
				"translatedLanguage": "en",
				"externalUrl":        "https://upstream.example/viewer/1001",
				"version":            3,
				"createdAt":          "2026-01-01T00:00:00+00:00",
			},
		},
	}

	f := newFixture(t, spySnapshot(rawChapter("1001", "10")), platform)
	trackedManga(t, f.store)

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.UploadsQueued)
	assert.Equal(t, 1, summary.EditsQueued)

	ops, err := f.queue.ListOperations(context.Background(), queue.ListOperationsOptions{})
	require.NoError(t, err)
	require.Len(t, ops, 1)

	data := ops[0].DataParsed.(*models.OperationEditData)
	assert.Equal(t, "uuid-ch-1", data.TargetChapterID)
	assert.Equal(t, "The Duel", *data.Payload.Title)
	assert.Equal(t, 3, data.Payload.Version)

	// The confirmed publish was recorded even though only an edit runs.
	rows, err := f.store.ListChapters(context.Background(), chapters.ListChaptersOptions{PublishedOnly: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "uuid-ch-1", *rows[0].TargetChapterID)
}

func TestRunOnPlatformWithoutDriftQueuesNothing(t *testing.T) {
	t.Parallel()

	platform := []map[string]interface{}{
		{
			"id": "uuid-ch-1",
			"attributes": map[string]interface{}{
				"chapter":            "10",
				"title":              "The Duel",
				"translatedLanguage": "en",
				"externalUrl":        "https://upstream.example/viewer/1001",
				"version":            3,
				"createdAt":          "2026-01-01T00:00:00+00:00",
			},
		},
	}

	f := newFixture(t, spySnapshot(rawChapter("1001", "10")), platform)
	trackedManga(t, f.store)

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.UploadsQueued)
	assert.Equal(t, 0, summary.EditsQueued)
	assert.Equal(t, 1, summary.Skipped)

	ops, err := f.queue.ListOperations(context.Background(), queue.ListOperationsOptions{})
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestRunRecordsUntrackedSeries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, spySnapshot(rawChapter("1001", "10")), nil)

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Untracked)
	assert.Equal(t, 0, summary.UploadsQueued)

	manga, err := f.store.RetrieveManga(context.Background(), chapters.RetrieveMangaOptions{
		SourceMangaID: pointerutil.String("100037"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Spy Story", manga.Name)
	assert.False(t, manga.Tracked())
}

func TestRunScansExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, spySnapshot(), nil)
	trackedManga(t, f.store)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.store.CreateChapter(context.Background(), &models.Chapter{
		SourceChapterID: "0900",
		TargetChapterID: pointerutil.String("uuid-ch-old"),
		SourceMangaID:   "100037",
		Number:          pointerutil.String("9"),
		Language:        "en",
		PublishAt:       past.Add(-24 * time.Hour),
		ExpireAt:        &past,
		OriginTag:       "mangaplus",
	}))

	summary, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExpiredQueued)

	ops, err := f.queue.ListOperations(context.Background(), queue.ListOperationsOptions{
		Verb: pointerutil.String(models.OperationVerbDelete),
	})
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

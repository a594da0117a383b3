package feed

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/normalize"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// JSONSource reads feed snapshots from a JSON document, served over http(s)
// or read from a local file. Feed adapters that scrape their upstream export
// this shape.
type JSONSource struct {
	url    string
	origin string
	client *http.Client
}

func NewSource(cfg *config.Config) *JSONSource {
	return &JSONSource{
		url:    cfg.Feed.URL,
		origin: cfg.Feed.Origin,
		client: &http.Client{Timeout: cfg.Feed.Timeout},
	}
}

func (s *JSONSource) Origin() string {
	return s.origin
}

type snapshotDocument struct {
	Series []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Language string `json:"language"`
	} `json:"series"`
	Chapters []struct {
		ChapterID string  `json:"chapter_id"`
		MangaID   string  `json:"manga_id"`
		Number    string  `json:"number"`
		Title     string  `json:"title"`
		Volume    string  `json:"volume"`
		Language  string  `json:"language"`
		PublishAt string  `json:"publish_at"`
		ExpireAt  *string `json:"expire_at"`
		URL       string  `json:"url"`
	} `json:"chapters"`
}

func (s *JSONSource) Fetch(ctx context.Context) (*Snapshot, error) {
	raw, err := s.read(ctx)
	if err != nil {
		return nil, err
	}

	var doc snapshotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "feed snapshot is not valid json")
	}

	snapshot := &Snapshot{}
	for _, series := range doc.Series {
		snapshot.Series = append(snapshot.Series, Series{
			SourceMangaID: series.ID,
			Name:          series.Name,
			Language:      series.Language,
		})
	}
	for _, ch := range doc.Chapters {
		publishAt, err := time.Parse(time.RFC3339, ch.PublishAt)
		if err != nil {
			return nil, errors.Wrapf(err, "chapter %s has an unparseable publish time", ch.ChapterID)
		}
		var expireAt *time.Time
		if ch.ExpireAt != nil {
			t, err := time.Parse(time.RFC3339, *ch.ExpireAt)
			if err != nil {
				return nil, errors.Wrapf(err, "chapter %s has an unparseable expire time", ch.ChapterID)
			}
			expireAt = &t
		}

		snapshot.Chapters = append(snapshot.Chapters, normalize.RawChapter{
			SourceChapterID: ch.ChapterID,
			SourceMangaID:   ch.MangaID,
			NumberRaw:       ch.Number,
			TitleRaw:        ch.Title,
			Volume:          ch.Volume,
			Language:        ch.Language,
			PublishAt:       publishAt,
			ExpireAt:        expireAt,
			SourceURL:       ch.URL,
		})
	}
	return snapshot, nil
}

func (s *JSONSource) read(ctx context.Context) ([]byte, error) {
	if !strings.HasPrefix(s.url, "http://") && !strings.HasPrefix(s.url, "https://") {
		raw, err := os.ReadFile(s.url)
		return raw, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "feed fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("feed responded with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

package gateway

import (
	"time"
)

// Chapter is the downstream platform's chapter record as returned by its
// listing endpoints.
type Chapter struct {
	ID            string            `json:"id"`
	Attributes    ChapterAttributes `json:"attributes"`
	Relationships []Relationship    `json:"relationships"`
}

type ChapterAttributes struct {
	Volume             *string `json:"volume"`
	Chapter            *string `json:"chapter"`
	Title              *string `json:"title"`
	TranslatedLanguage string  `json:"translatedLanguage"`
	ExternalURL        *string `json:"externalUrl"`
	Version            int     `json:"version"`
	CreatedAt          string  `json:"createdAt"`
}

type Relationship struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes"`
}

const createdAtLayout = "2006-01-02T15:04:05-07:00"

// CreatedTime parses the record's creation timestamp; the zero time is
// returned for unparseable values so callers can still order records.
func (ch *Chapter) CreatedTime() time.Time {
	t, err := time.Parse(createdAtLayout, ch.Attributes.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GroupIDs returns the scanlation group ids attached to the chapter.
func (ch *Chapter) GroupIDs() []string {
	var groups []string
	for _, rel := range ch.Relationships {
		if rel.Type == "scanlation_group" {
			groups = append(groups, rel.ID)
		}
	}
	return groups
}

// MangaID returns the related manga id, or an empty string.
func (ch *Chapter) MangaID() string {
	for _, rel := range ch.Relationships {
		if rel.Type == "manga" {
			return rel.ID
		}
	}
	return ""
}

// AggregateChapter is one entry of the aggregate listing: a chapter number
// with the count of records published under it.
type AggregateChapter struct {
	Chapter string   `json:"chapter"`
	ID      string   `json:"id"`
	Others  []string `json:"others"`
	Count   int      `json:"count"`
}

package gateway

import (
	"context"
	"net/url"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

const (
	pageLimit = 100
	// The platform rejects offsets past 10k; deeper collections are read
	// by resetting the offset and advancing a createdAtSince cursor.
	maxOffset = 10000

	initialCreatedAtSince = "2000-01-01T00:00:00"
)

type chapterListEnvelope struct {
	Data  []Chapter `json:"data"`
	Total int       `json:"total"`
}

// ListChapters walks every page of a chapter listing. Collections larger than
// the platform's offset ceiling are handled with the createdAt cursor, so the
// result is ordered by creation time.
func (g *Gateway) ListChapters(ctx context.Context, params url.Values) ([]Chapter, error) {
	var all []Chapter

	offset := 0
	createdAtSince := initialCreatedAtSince

	for {
		page := url.Values{}
		for k, v := range params {
			page[k] = v
		}
		page.Set("limit", strconv.Itoa(pageLimit))
		page.Set("offset", strconv.Itoa(offset))
		page.Set("createdAtSince", createdAtSince)
		page.Set("order[createdAt]", "asc")

		resp, err := g.Get(ctx, "/chapter", WithParams(page))
		if err != nil {
			return nil, errors.Wrap(err, "chapter listing page failed")
		}

		var envelope chapterListEnvelope
		if err := resp.Decode(&envelope); err != nil {
			return nil, err
		}

		all = append(all, envelope.Data...)
		if len(envelope.Data) < pageLimit {
			break
		}

		offset += pageLimit
		if offset >= maxOffset {
			// Reset and continue from the last seen creation time.
			last := envelope.Data[len(envelope.Data)-1]
			createdAtSince = trimOffsetSuffix(last.Attributes.CreatedAt)
			offset = 0
			g.log.Debug("chapter listing passed offset ceiling, cursoring", logger.Data{"created_at_since": createdAtSince})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedTime().Before(all[j].CreatedTime())
	})
	return all, nil
}

// trimOffsetSuffix drops the timezone suffix the cursor parameter does not
// accept.
func trimOffsetSuffix(createdAt string) string {
	for i, r := range createdAt {
		if i > 0 && (r == '+' || r == 'Z') {
			return createdAt[:i]
		}
	}
	return createdAt
}

// Aggregate returns the per-number publish counts for a manga, filtered to
// the managed group and languages. The platform returns the volume map as an
// object normally and as an array when empty, so both shapes are tolerated.
func (g *Gateway) Aggregate(ctx context.Context, targetMangaID string, languages []string, groupID string) ([]AggregateChapter, error) {
	params := url.Values{}
	for _, lang := range languages {
		params.Add("translatedLanguage[]", lang)
	}
	params.Add("groups[]", groupID)

	resp, err := g.Get(ctx, "/manga/"+targetMangaID+"/aggregate", WithParams(params))
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate fetch for manga %s failed", targetMangaID)
	}

	var envelope struct {
		Volumes json.RawMessage `json:"volumes"`
	}
	if err := resp.Decode(&envelope); err != nil {
		return nil, err
	}

	return flattenAggregate(envelope.Volumes)
}

type aggregateVolume struct {
	Chapters json.RawMessage `json:"chapters"`
}

func flattenAggregate(raw json.RawMessage) ([]AggregateChapter, error) {
	volumes, err := decodeObjectOrList[aggregateVolume](raw)
	if err != nil {
		return nil, err
	}

	var all []AggregateChapter
	for _, volume := range volumes {
		if len(volume.Chapters) == 0 {
			continue
		}
		chapters, err := decodeObjectOrList[AggregateChapter](volume.Chapters)
		if err != nil {
			return nil, err
		}
		all = append(all, chapters...)
	}
	return all, nil
}

// decodeObjectOrList decodes a JSON value that is either a keyed object or an
// array of T, returning the values in either case.
func decodeObjectOrList[T any](raw json.RawMessage) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asList []T
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}

	asObject := map[string]T{}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, errors.Wrap(err, "aggregate payload is neither an object nor a list")
	}

	keys := make([]string, 0, len(asObject))
	for k := range asObject {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]T, 0, len(asObject))
	for _, k := range keys {
		values = append(values, asObject[k])
	}
	return values, nil
}

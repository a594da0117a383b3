package reconcile

import (
	"testing"

	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localChapter(sourceID, number string) *models.Chapter {
	return &models.Chapter{
		SourceChapterID: sourceID,
		SourceMangaID:   "manga-1",
		Number:          pointerutil.String(number),
		Title:           pointerutil.String("The Duel"),
		Language:        "en",
		SourceURL:       "https://upstream.example/viewer/" + sourceID,
		OriginTag:       "mangaplus",
	}
}

func platformChapter(id, sourceID, number string) gateway.Chapter {
	return gateway.Chapter{
		ID: id,
		Attributes: gateway.ChapterAttributes{
			Chapter:            pointerutil.String(number),
			Title:              pointerutil.String("The Duel"),
			TranslatedLanguage: "en",
			ExternalURL:        pointerutil.String("https://upstream.example/viewer/" + sourceID),
			Version:            2,
			CreatedAt:          "2026-01-01T00:00:00+00:00",
		},
		Relationships: []gateway.Relationship{
			{ID: "group-1", Type: "scanlation_group"},
		},
	}
}

func TestClassifyNew(t *testing.T) {
	t.Parallel()

	engine := New(nil)
	decision := engine.Classify(localChapter("1001", "10"), nil, NewInFlight())
	assert.Equal(t, KindNew, decision.Kind)
}

func TestClassifyInFlightSecondPass(t *testing.T) {
	t.Parallel()

	engine := New(nil)
	inflight := NewInFlight()
	ch := localChapter("1001", "10")

	first := engine.Classify(ch, nil, inflight)
	require.Equal(t, KindNew, first.Kind)
	inflight.Mark(ch)

	// Reconciling the same chapter again within the run never yields a
	// second upload.
	second := engine.Classify(localChapter("1001", "10"), nil, inflight)
	assert.Equal(t, KindInFlight, second.Kind)
}

func TestClassifyOnPlatformNoDrift(t *testing.T) {
	t.Parallel()

	engine := New(nil)
	platform := []gateway.Chapter{platformChapter("t-1", "1001", "10")}

	decision := engine.Classify(localChapter("1001", "10"), platform, NewInFlight())
	require.Equal(t, KindOnPlatform, decision.Kind)
	require.NotNil(t, decision.PlatformChapter)
	assert.Equal(t, "t-1", decision.PlatformChapter.ID)
	assert.Nil(t, decision.Edit)
}

func TestClassifyOnPlatformDrifted(t *testing.T) {
	t.Parallel()

	engine := New(nil)
	platform := []gateway.Chapter{platformChapter("t-1", "1001", "10")}

	ch := localChapter("1001", "10")
	ch.Title = pointerutil.String("The Rematch")

	decision := engine.Classify(ch, platform, NewInFlight())
	require.Equal(t, KindOnPlatform, decision.Kind)
	require.NotNil(t, decision.Edit)
	assert.Equal(t, "The Rematch", *decision.Edit.Title)
	// Untouched fields and the optimistic-lock version carry over.
	assert.Equal(t, "10", *decision.Edit.Chapter)
	assert.Equal(t, 2, decision.Edit.Version)
	assert.Equal(t, []string{"group-1"}, decision.Edit.Groups)
}

func TestClassifyOnPlatformRequiresURLMatch(t *testing.T) {
	t.Parallel()

	// Same number and language but a different source chapter: not ours.
	engine := New(nil)
	platform := []gateway.Chapter{platformChapter("t-1", "9999", "10")}

	decision := engine.Classify(localChapter("1001", "10"), platform, NewInFlight())
	assert.Equal(t, KindNew, decision.Kind)
}

func TestClassifyAliasPublishedUnderMaster(t *testing.T) {
	t.Parallel()

	engine := New(map[string][]string{"1001": {"2002"}})
	platform := []gateway.Chapter{platformChapter("t-1", "1001", "10")}

	decision := engine.Classify(localChapter("2002", "10"), platform, NewInFlight())
	require.Equal(t, KindAliasMatch, decision.Kind)
	require.NotNil(t, decision.PlatformChapter)
	assert.Equal(t, "t-1", decision.PlatformChapter.ID)
}

func TestClassifyAliasMasterInFlight(t *testing.T) {
	t.Parallel()

	engine := New(map[string][]string{"1001": {"2002"}})
	inflight := NewInFlight()
	inflight.Mark(localChapter("1001", "10"))

	decision := engine.Classify(localChapter("2002", "10"), nil, inflight)
	assert.Equal(t, KindAliasMatch, decision.Kind)
}

func TestClassifyAliasTakesPriorityOverOnPlatform(t *testing.T) {
	t.Parallel()

	// The aliased id itself has a record downstream; the alias rule still
	// wins and no edit is computed against the aliased record.
	engine := New(map[string][]string{"1001": {"2002"}})
	platform := []gateway.Chapter{
		platformChapter("t-master", "1001", "10"),
		platformChapter("t-alias", "2002", "10"),
	}

	decision := engine.Classify(localChapter("2002", "10"), platform, NewInFlight())
	require.Equal(t, KindAliasMatch, decision.Kind)
	assert.Equal(t, "t-master", decision.PlatformChapter.ID)
}

func TestEditDiffNilWhenEqual(t *testing.T) {
	t.Parallel()

	platform := platformChapter("t-1", "1001", "10")
	assert.Nil(t, EditDiff(localChapter("1001", "10"), &platform))
}

func TestEditDiffNumberChange(t *testing.T) {
	t.Parallel()

	platform := platformChapter("t-1", "1001", "10")
	ch := localChapter("1001", "10.5")

	payload := EditDiff(ch, &platform)
	require.NotNil(t, payload)
	assert.Equal(t, "10.5", *payload.Chapter)
	assert.Equal(t, "The Duel", *payload.Title)
	assert.Equal(t, "en", payload.Language)
}

func TestEditDiffNilVsValue(t *testing.T) {
	t.Parallel()

	platform := platformChapter("t-1", "1001", "10")
	ch := localChapter("1001", "10")
	ch.Title = nil

	payload := EditDiff(ch, &platform)
	require.NotNil(t, payload)
	assert.Nil(t, payload.Title)
}

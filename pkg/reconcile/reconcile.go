// Package reconcile classifies normalized chapters against published history
// and the downstream platform's own records, deciding which operation (if
// any) each chapter needs.
package reconcile

import (
	"strings"

	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/robinjoseph08/golib/logger"
)

type Kind string

const (
	// KindNew means the chapter has never been seen and should be
	// uploaded.
	KindNew Kind = "new"
	// KindOnPlatform means a matching record already exists downstream;
	// Decision.Edit is set when its fields drifted.
	KindOnPlatform Kind = "on_platform"
	// KindInFlight means the chapter was already queued or uploaded
	// during this run.
	KindInFlight Kind = "in_flight"
	// KindAliasMatch means the chapter re-issues content already
	// published or queued under an aliased source id.
	KindAliasMatch Kind = "alias_match"
)

type Decision struct {
	Kind            Kind
	PlatformChapter *gateway.Chapter
	Edit            *models.EditPayload
}

// InFlight tracks the publishable units already queued or uploaded within a
// single run, so reconciling the same upstream chapter twice never enqueues
// two uploads.
type InFlight struct {
	seen map[string]bool
}

func NewInFlight() *InFlight {
	return &InFlight{seen: map[string]bool{}}
}

func unitKey(ch *models.Chapter) string {
	number := ""
	if ch.Number != nil {
		number = *ch.Number
	}
	return ch.SourceChapterID + "\x00" + number + "\x00" + ch.Language
}

func (f *InFlight) Mark(ch *models.Chapter) {
	f.seen[unitKey(ch)] = true
}

func (f *InFlight) Has(ch *models.Chapter) bool {
	return f.seen[unitKey(ch)]
}

// SourceIDs returns the source chapter ids marked in flight.
func (f *InFlight) SourceIDs() map[string]bool {
	ids := map[string]bool{}
	for key := range f.seen {
		ids[strings.SplitN(key, "\x00", 2)[0]] = true
	}
	return ids
}

// Engine applies the classification priority: alias_match, then on_platform,
// then in_flight, then new.
type Engine struct {
	aliases map[string][]string
	log     logger.Logger
}

// New builds an engine over the alias table, which maps a canonical source
// chapter id to the ids known to re-issue the same publishable unit.
func New(aliases map[string][]string) *Engine {
	if aliases == nil {
		aliases = map[string][]string{}
	}
	return &Engine{aliases: aliases, log: logger.New()}
}

// aliasMaster returns the canonical id a source id is aliased to, or "".
func (e *Engine) aliasMaster(sourceChapterID string) string {
	for master, ids := range e.aliases {
		for _, id := range ids {
			if id == sourceChapterID {
				return master
			}
		}
	}
	return ""
}

// isAliased reports whether the id appears anywhere in the alias table's
// value lists.
func (e *Engine) isAliased(sourceChapterID string) bool {
	return e.aliasMaster(sourceChapterID) != ""
}

// Classify decides what to do with one normalized chapter. platform is the
// downstream listing for the chapter's manga; inflight is this run's queue
// state.
func (e *Engine) Classify(ch *models.Chapter, platform []gateway.Chapter, inflight *InFlight) Decision {
	if decision, ok := e.classifyAlias(ch, platform, inflight); ok {
		return decision
	}

	if decision, ok := e.classifyOnPlatform(ch, platform); ok {
		return decision
	}

	if inflight.Has(ch) {
		return Decision{Kind: KindInFlight}
	}

	return Decision{Kind: KindNew}
}

// classifyAlias checks whether the chapter's id is an alias of something
// already published or queued under the canonical id.
func (e *Engine) classifyAlias(ch *models.Chapter, platform []gateway.Chapter, inflight *InFlight) (Decision, bool) {
	master := e.aliasMaster(ch.SourceChapterID)
	if master == "" {
		return Decision{}, false
	}

	// Published under the master id: any record for the same number and
	// language whose external url mentions it.
	for i := range platform {
		attrs := platform[i].Attributes
		if !numberEqual(attrs.Chapter, ch.Number) || attrs.TranslatedLanguage != ch.Language {
			continue
		}
		if attrs.ExternalURL != nil && strings.Contains(*attrs.ExternalURL, master) {
			return Decision{Kind: KindAliasMatch, PlatformChapter: &platform[i]}, true
		}
	}

	if inflight.SourceIDs()[master] {
		return Decision{Kind: KindAliasMatch}, true
	}

	return Decision{}, false
}

// classifyOnPlatform looks for an exact number+language+url match in the
// downstream listing and computes the edit diff when found.
func (e *Engine) classifyOnPlatform(ch *models.Chapter, platform []gateway.Chapter) (Decision, bool) {
	if e.isAliased(ch.SourceChapterID) {
		return Decision{}, false
	}

	for i := range platform {
		attrs := platform[i].Attributes
		if !numberEqual(attrs.Chapter, ch.Number) || attrs.TranslatedLanguage != ch.Language {
			continue
		}
		if attrs.ExternalURL == nil || !strings.Contains(*attrs.ExternalURL, ch.SourceChapterID) {
			continue
		}

		return Decision{
			Kind:            KindOnPlatform,
			PlatformChapter: &platform[i],
			Edit:            EditDiff(ch, &platform[i]),
		}, true
	}

	return Decision{}, false
}

// EditDiff compares the locally-known fields against the downstream record
// and returns the PUT payload when at least one of volume, number or title
// differs; nil when nothing drifted.
func EditDiff(ch *models.Chapter, platform *gateway.Chapter) *models.EditPayload {
	attrs := platform.Attributes

	payload := &models.EditPayload{
		Volume:   attrs.Volume,
		Chapter:  attrs.Chapter,
		Title:    attrs.Title,
		Language: attrs.TranslatedLanguage,
		Version:  attrs.Version,
		Groups:   platform.GroupIDs(),
	}
	if attrs.ExternalURL != nil {
		payload.ExternalURL = *attrs.ExternalURL
	}

	changed := false
	if !stringPtrEqual(ch.Volume, attrs.Volume) {
		payload.Volume = ch.Volume
		changed = true
	}
	if !stringPtrEqual(ch.Number, attrs.Chapter) {
		payload.Chapter = ch.Number
		changed = true
	}
	if !stringPtrEqual(ch.Title, attrs.Title) {
		payload.Title = ch.Title
		changed = true
	}

	if !changed {
		return nil
	}
	return payload
}

func numberEqual(platformNumber *string, localNumber *string) bool {
	return stringPtrEqual(platformNumber, localNumber)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

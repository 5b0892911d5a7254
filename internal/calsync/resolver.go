package calsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/gmboard/gmboard/internal/models"
)

// Resolution strategies, in the order they are tried.
const (
	MatchByID                   = "id"
	MatchBySignature            = "signature"
	MatchByCrossSourceID        = "cross_source_id"
	MatchByCrossSourceSignature = "cross_source_signature"
	MatchNone                   = "none"
)

// Resolution is the outcome of identity resolution for one event.
type Resolution struct {
	Candidates []models.Activity
	Strategy   string
	// Healed counts records whose unknown calendar source was reassigned.
	Healed int
}

// Resolver finds the persisted records an incoming event refers to.
type Resolver struct {
	Repo Repository
}

// Resolve tries, stopping at the first non-empty result: id variants within
// the source, validated temporal signature within the source, id variants
// across sources, validated temporal signature across sources. Every
// candidate is returned; choosing among several is left to Canonicalize.
func (r *Resolver) Resolve(ctx context.Context, candidate models.Activity) (Resolution, error) {
	externalID := ""
	if candidate.ExternalID != nil {
		externalID = *candidate.ExternalID
	}
	variants := IDVariants(externalID)
	source := candidate.CalendarSource
	sig := candidate.Signature()

	if len(variants) > 0 {
		found, err := r.Repo.FindActivitiesByExternalIDs(ctx, source, variants)
		if err != nil {
			return Resolution{}, fmt.Errorf("find by external id: %w", err)
		}
		if len(found) > 0 {
			return Resolution{Candidates: found, Strategy: MatchByID}, nil
		}
	}

	found, err := r.Repo.FindActivitiesBySignature(ctx, source, sig)
	if err != nil {
		return Resolution{}, fmt.Errorf("find by signature: %w", err)
	}
	if valid := validSignatureMatches(found, externalID); len(valid) > 0 {
		return Resolution{Candidates: valid, Strategy: MatchBySignature}, nil
	}

	if len(variants) > 0 {
		found, err := r.Repo.FindActivitiesByExternalIDs(ctx, "", variants)
		if err != nil {
			return Resolution{}, fmt.Errorf("find by external id across sources: %w", err)
		}
		if len(found) > 0 {
			return r.healUnknownSources(ctx, found, source)
		}
	}

	found, err = r.Repo.FindActivitiesBySignature(ctx, "", sig)
	if err != nil {
		return Resolution{}, fmt.Errorf("find by signature across sources: %w", err)
	}
	if valid := validSignatureMatches(found, externalID); len(valid) > 0 {
		return Resolution{Candidates: valid, Strategy: MatchByCrossSourceSignature}, nil
	}

	return Resolution{Strategy: MatchNone}, nil
}

// healUnknownSources prefers records still tagged with the unknown source and
// reassigns them to source. Without such records the named-source matches are
// used as they are.
func (r *Resolver) healUnknownSources(ctx context.Context, found []models.Activity, source string) (Resolution, error) {
	resolution := Resolution{Strategy: MatchByCrossSourceID}
	if isUnknownSource(source) {
		resolution.Candidates = found
		return resolution, nil
	}

	unknown := make([]models.Activity, 0, len(found))
	for _, activity := range found {
		if !isUnknownSource(activity.CalendarSource) {
			continue
		}
		if err := r.Repo.UpdateCalendarSource(ctx, activity.ID, source); err != nil {
			return Resolution{}, fmt.Errorf("heal calendar source of %s: %w", activity.ID, err)
		}
		activity.CalendarSource = source
		unknown = append(unknown, activity)
		resolution.Healed++
	}
	if len(unknown) > 0 {
		resolution.Candidates = unknown
		return resolution, nil
	}
	resolution.Candidates = found
	return resolution, nil
}

// validSignatureMatches keeps signature matches that cannot be a different
// event sharing a slot and title: same id, placeholder source, or no id at all.
func validSignatureMatches(found []models.Activity, externalID string) []models.Activity {
	valid := make([]models.Activity, 0, len(found))
	for _, activity := range found {
		switch {
		case activity.ExternalID == nil || strings.TrimSpace(*activity.ExternalID) == "":
		case isUnknownSource(activity.CalendarSource):
		case SameExternalID(*activity.ExternalID, externalID):
		default:
			continue
		}
		valid = append(valid, activity)
	}
	return valid
}

func isUnknownSource(source string) bool {
	source = strings.TrimSpace(source)
	return source == "" || strings.EqualFold(source, models.UnknownCalendarSource)
}

package calsync

import (
	"context"
	"fmt"

	"github.com/gmboard/gmboard/internal/models"
)

// ChooseCanonical picks the record that survives a merge: the only assigned
// candidate, else the most recently created among the assigned ones (several
// assigned) or among all of them (none assigned). Ties keep the earlier
// candidate. Terminal records are never merged: while a live candidate exists
// they are left out of both results, and when all are terminal the first one
// is returned with no losers.
func ChooseCanonical(candidates []models.Activity) (models.Activity, []models.Activity) {
	if len(candidates) == 0 {
		return models.Activity{}, nil
	}
	pool := make([]models.Activity, 0, len(candidates))
	for _, candidate := range candidates {
		if !candidate.IsTerminal() {
			pool = append(pool, candidate)
		}
	}
	if len(pool) == 0 {
		return candidates[0], nil
	}

	assigned := make([]models.Activity, 0, len(pool))
	for _, candidate := range pool {
		if candidate.HasAssignee() || candidate.IsAssigned {
			assigned = append(assigned, candidate)
		}
	}

	choice := pool
	if len(assigned) > 0 {
		choice = assigned
	}
	canonical := choice[0]
	for _, candidate := range choice[1:] {
		if candidate.CreatedAt.After(canonical.CreatedAt) {
			canonical = candidate
		}
	}

	losers := make([]models.Activity, 0, len(pool)-1)
	for _, candidate := range pool {
		if candidate.ID != canonical.ID {
			losers = append(losers, candidate)
		}
	}
	return canonical, losers
}

// MergeOutcome reports what Canonicalize did.
type MergeOutcome struct {
	Canonical        models.Activity
	Removed          []string
	AssignmentsMoved int
}

// Canonicalize collapses several candidates into one record. With a single
// candidate it is a no-op.
func Canonicalize(ctx context.Context, repo Repository, candidates []models.Activity) (MergeOutcome, error) {
	canonical, losers := ChooseCanonical(candidates)
	outcome := MergeOutcome{Canonical: canonical}
	if len(losers) == 0 {
		return outcome, nil
	}

	ids := make([]string, 0, len(losers))
	for _, loser := range losers {
		ids = append(ids, loser.ID)
	}
	moved, err := repo.MergeActivities(ctx, canonical.ID, ids)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merge duplicates into %s: %w", canonical.ID, err)
	}
	outcome.Removed = ids
	outcome.AssignmentsMoved = moved
	return outcome, nil
}

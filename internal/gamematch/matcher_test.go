package gamematch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNormalizeStripsDiacriticsAndPunctuation(t *testing.T) {
	require.Equal(t, "escape game l evasion", Normalize("  Escape Game: L'Évasion!! "))
	require.Equal(t, "le manoir hante", Normalize("Le Manoir Hanté"))
	require.Equal(t, "", Normalize("--- !!"))
}

func TestVariantsOrderAndDedup(t *testing.T) {
	require.Equal(t,
		[]string{"le manoir hante", "manoir hante", "le manoir", "le"},
		Variants("Le Manoir Hanté"),
	)
	require.Equal(t, []string{"prison"}, Variants("Prison"))
	require.Nil(t, Variants("   "))
}

func TestScorePrecedence(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		pattern string
		want    float64
	}{
		{name: "exact", title: "manoir hante", pattern: "manoir hante", want: 100},
		{name: "title contains pattern", title: "session manoir hante vip", pattern: "manoir hante", want: 95},
		{name: "pattern contains title", title: "manoir", pattern: "manoir hante", want: 90},
		{name: "word overlap", title: "hante chateau", pattern: "manoir hante", want: 42.5},
		{name: "title contains pattern inside a word", title: "zombies attack", pattern: "zombie", want: 95},
		{name: "glued words still contain pattern", title: "escapegame paris", pattern: "escape", want: 95},
		{name: "pattern contains title inside a word", title: "manoir", pattern: "manoirs hantes", want: 90},
		{name: "empty", title: "", pattern: "manoir", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, Score(tt.title, tt.pattern), 0.0001)
		})
	}
}

func TestMatchPicksHighestScoringPattern(t *testing.T) {
	mappings := []models.GameMapping{
		{ID: "m1", GameID: "prison", Pattern: "Prison Break", IsActive: true},
		{ID: "m2", GameID: "manoir", Pattern: "Manoir Hanté", AverageDuration: intPtr(75), IsActive: true},
	}

	result, ok := Match("Session Le Manoir Hanté (VIP)", mappings)
	require.True(t, ok)
	require.Equal(t, "manoir", result.Mapping.GameID)
	require.InDelta(t, 95.0, result.Confidence, 0.0001)
	require.True(t, result.Confident())
}

func TestMatchUsesSubstringContainment(t *testing.T) {
	mappings := []models.GameMapping{
		{ID: "m1", GameID: "zombie", Pattern: "Zombie", AverageDuration: intPtr(90), IsActive: true},
	}

	result, ok := Match("Zombies Attack", mappings)
	require.True(t, ok)
	require.Equal(t, "zombie", result.Mapping.GameID)
	require.InDelta(t, 95.0, result.Confidence, 0.0001)
	require.True(t, result.Confident())
}

func TestMatchTiesKeepFirstPattern(t *testing.T) {
	mappings := []models.GameMapping{
		{ID: "m1", GameID: "first", Pattern: "Manoir", IsActive: true},
		{ID: "m2", GameID: "second", Pattern: "manoir", IsActive: true},
	}

	result, ok := Match("Manoir", mappings)
	require.True(t, ok)
	require.Equal(t, "first", result.Mapping.GameID)
}

func TestMatchSkipsInactiveAndUnrelated(t *testing.T) {
	mappings := []models.GameMapping{
		{ID: "m1", GameID: "manoir", Pattern: "Manoir Hanté", IsActive: false},
		{ID: "m2", GameID: "prison", Pattern: "Prison Break", IsActive: true},
	}

	_, ok := Match("Manoir Hanté", mappings)
	require.False(t, ok)
}

func TestMatchBelowThresholdIsNotConfident(t *testing.T) {
	mappings := []models.GameMapping{
		{ID: "m1", GameID: "manoir", Pattern: "Manoir Hanté", IsActive: true},
	}

	result, ok := Match("Chateau hanté", mappings)
	require.True(t, ok)
	require.InDelta(t, 42.5, result.Confidence, 0.0001)
	require.False(t, result.Confident())
}

type countingLoader struct {
	calls    int
	mappings []models.GameMapping
	err      error
}

func (l *countingLoader) ListGameMappings(context.Context) ([]models.GameMapping, error) {
	l.calls++
	return l.mappings, l.err
}

func TestCacheReloadsAfterTTL(t *testing.T) {
	loader := &countingLoader{mappings: []models.GameMapping{{ID: "m1", Pattern: "Manoir", IsActive: true}}}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache := NewCache(loader, time.Minute).WithClock(func() time.Time { return now })

	_, err := cache.Mappings(context.Background())
	require.NoError(t, err)
	_, err = cache.Mappings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, loader.calls)

	now = now.Add(61 * time.Second)
	_, err = cache.Mappings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, loader.calls)
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	loader := &countingLoader{}
	cache := NewCache(loader, time.Hour)

	_, err := cache.Mappings(context.Background())
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Mappings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, loader.calls)
}

func TestCacheMatchPropagatesLoaderError(t *testing.T) {
	loader := &countingLoader{err: errors.New("boom")}
	cache := NewCache(loader, time.Hour)

	_, _, err := cache.Match(context.Background(), "anything")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gmboard/gmboard/internal/models"
)

// GameMappingStore reads the title-pattern to game configuration. Mappings
// are owned elsewhere; this store never writes them.
type GameMappingStore struct {
	db *sql.DB
}

func NewGameMappingStore(db *sql.DB) *GameMappingStore {
	return &GameMappingStore{db: db}
}

// ListGameMappings returns every mapping in a stable order so tie-breaking
// between equal scores is deterministic.
func (s *GameMappingStore) ListGameMappings(ctx context.Context) ([]models.GameMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, game_id, game_name, pattern, average_duration, is_active
		FROM game_mappings
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list game mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]models.GameMapping, 0)
	for rows.Next() {
		var (
			mapping models.GameMapping
			average sql.NullInt64
		)
		if err := rows.Scan(&mapping.ID, &mapping.GameID, &mapping.GameName, &mapping.Pattern, &average, &mapping.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan game mapping: %w", err)
		}
		if average.Valid {
			v := int(average.Int64)
			mapping.AverageDuration = &v
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading game mappings: %w", err)
	}
	return mappings, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/lib/pq"
)

// RosterStore reads game masters, their availabilities and competencies.
type RosterStore struct {
	db *sql.DB
}

func NewRosterStore(db *sql.DB) *RosterStore {
	return &RosterStore{db: db}
}

func (s *RosterStore) ListGameMasters(ctx context.Context) ([]models.GameMaster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, is_active FROM game_masters ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list game masters: %w", err)
	}
	defer rows.Close()

	gameMasters := make([]models.GameMaster, 0)
	for rows.Next() {
		var gm models.GameMaster
		if err := rows.Scan(&gm.ID, &gm.Name, &gm.Email, &gm.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan game master: %w", err)
		}
		gameMasters = append(gameMasters, gm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading game masters: %w", err)
	}
	return gameMasters, nil
}

func (s *RosterStore) ListAvailabilities(ctx context.Context, from string) ([]models.Availability, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_master_id, to_char(date, 'YYYY-MM-DD'), slots
		FROM availabilities
		WHERE date >= $1
		ORDER BY date, game_master_id`, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list availabilities: %w", err)
	}
	defer rows.Close()

	availabilities := make([]models.Availability, 0)
	for rows.Next() {
		var availability models.Availability
		if err := rows.Scan(&availability.GameMasterID, &availability.Date, pq.Array(&availability.Slots)); err != nil {
			return nil, fmt.Errorf("failed to scan availability: %w", err)
		}
		availabilities = append(availabilities, availability)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading availabilities: %w", err)
	}
	return availabilities, nil
}

func (s *RosterStore) ListCompetencies(ctx context.Context) ([]models.Competency, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_master_id, game_id, level FROM competencies ORDER BY game_master_id, game_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list competencies: %w", err)
	}
	defer rows.Close()

	competencies := make([]models.Competency, 0)
	for rows.Next() {
		var competency models.Competency
		if err := rows.Scan(&competency.GameMasterID, &competency.GameID, &competency.Level); err != nil {
			return nil, fmt.Errorf("failed to scan competency: %w", err)
		}
		competencies = append(competencies, competency)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading competencies: %w", err)
	}
	return competencies, nil
}

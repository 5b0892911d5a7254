package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It implements the same
// contracts as Postgres and backs development runs without a database as well
// as engine tests.
type MemoryStore struct {
	mu             sync.Mutex
	activities     map[string]models.Activity
	assignments    map[string]models.Assignment
	gameMasters    map[string]models.GameMaster
	availabilities []models.Availability
	competencies   []models.Competency
	mappings       []models.GameMapping
	syncLogs       []models.SyncLog

	// Now stamps created and updated times.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities:  make(map[string]models.Activity),
		assignments: make(map[string]models.Assignment),
		gameMasters: make(map[string]models.GameMaster),
		Now:         time.Now,
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// PutActivity stores activity as is, generating an id when missing.
func (s *MemoryStore) PutActivity(activity models.Activity) models.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = s.now()
	}
	if activity.UpdatedAt.IsZero() {
		activity.UpdatedAt = activity.CreatedAt
	}
	s.activities[activity.ID] = cloneActivity(activity)
	return cloneActivity(activity)
}

// PutAssignment stores a raw assignment row without touching the activity.
func (s *MemoryStore) PutAssignment(assignment models.Assignment) models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.AssignedAt.IsZero() {
		assignment.AssignedAt = s.now()
	}
	s.assignments[assignment.ID] = assignment
	return assignment
}

func (s *MemoryStore) PutGameMaster(gm models.GameMaster) models.GameMaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gm.ID == "" {
		gm.ID = uuid.NewString()
	}
	s.gameMasters[gm.ID] = gm
	return gm
}

func (s *MemoryStore) PutAvailability(availability models.Availability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	availability.Slots = append([]string(nil), availability.Slots...)
	s.availabilities = append(s.availabilities, availability)
}

func (s *MemoryStore) PutCompetency(competency models.Competency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competencies = append(s.competencies, competency)
}

func (s *MemoryStore) PutGameMapping(mapping models.GameMapping) models.GameMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	s.mappings = append(s.mappings, mapping)
	return mapping
}

// Activities returns every stored activity ordered by creation.
func (s *MemoryStore) Activities() []models.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedActivities(func(models.Activity) bool { return true })
}

// Assignments returns every stored assignment row.
func (s *MemoryStore) Assignments() []models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Assignment, 0, len(s.assignments))
	for _, assignment := range s.assignments {
		out = append(out, assignment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) GetActivity(_ context.Context, activityID string) (models.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[activityID]
	if !ok {
		return models.Activity{}, ErrNotFound
	}
	return cloneActivity(activity), nil
}

func (s *MemoryStore) FindActivitiesByExternalIDs(_ context.Context, source string, externalIDs []string) ([]models.Activity, error) {
	wanted := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		wanted[id] = struct{}{}
	}
	source = strings.TrimSpace(source)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedActivities(func(a models.Activity) bool {
		if a.ExternalID == nil {
			return false
		}
		if _, ok := wanted[*a.ExternalID]; !ok {
			return false
		}
		return source == "" || a.CalendarSource == source
	}), nil
}

func (s *MemoryStore) FindActivitiesBySignature(_ context.Context, source string, sig models.TemporalSignature) ([]models.Activity, error) {
	source = strings.TrimSpace(source)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedActivities(func(a models.Activity) bool {
		return a.Date == sig.Date &&
			a.StartTime == sig.StartTime &&
			a.EndTime == sig.EndTime &&
			strings.EqualFold(strings.TrimSpace(a.Title), strings.TrimSpace(sig.Title)) &&
			(source == "" || a.CalendarSource == source)
	}), nil
}

func (s *MemoryStore) CreateActivity(_ context.Context, activity models.Activity) (models.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	activity.ID = uuid.NewString()
	activity.CreatedAt = now
	activity.UpdatedAt = now
	if activity.Status == "" {
		activity.Status = models.ActivityStatusPending
	}
	if strings.TrimSpace(activity.CalendarSource) == "" {
		activity.CalendarSource = models.UnknownCalendarSource
	}
	s.activities[activity.ID] = cloneActivity(activity)
	return cloneActivity(activity), nil
}

func (s *MemoryStore) UpdateActivity(_ context.Context, activity models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.activities[activity.ID]
	if !ok {
		return ErrNotFound
	}
	activity.CreatedAt = existing.CreatedAt
	activity.UpdatedAt = s.now()
	s.activities[activity.ID] = cloneActivity(activity)
	return nil
}

func (s *MemoryStore) UpdateCalendarSource(_ context.Context, activityID, source string) error {
	return s.mutate(activityID, func(a *models.Activity) {
		a.CalendarSource = source
	})
}

func (s *MemoryStore) UnassignActivity(_ context.Context, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[activityID]
	if !ok {
		return ErrNotFound
	}
	for id, assignment := range s.assignments {
		if assignment.ActivityID == activityID {
			delete(s.assignments, id)
		}
	}
	activity.IsAssigned = false
	activity.AssignedGameMasterID = nil
	activity.AssignedAt = nil
	activity.AssignmentScore = nil
	if !activity.IsTerminal() {
		activity.Status = models.ActivityStatusPending
	}
	activity.UpdatedAt = s.now()
	s.activities[activityID] = activity
	return nil
}

func (s *MemoryStore) UnassignGameMaster(_ context.Context, activityID, gameMasterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[activityID]
	if !ok || activity.AssignedGameMasterID == nil || *activity.AssignedGameMasterID != gameMasterID {
		return false, nil
	}
	for id, assignment := range s.assignments {
		if assignment.ActivityID == activityID && assignment.GameMasterID == gameMasterID {
			delete(s.assignments, id)
		}
	}
	activity.IsAssigned = false
	activity.AssignedGameMasterID = nil
	activity.AssignedAt = nil
	activity.AssignmentScore = nil
	if !activity.IsTerminal() {
		activity.Status = models.ActivityStatusPending
	}
	activity.UpdatedAt = s.now()
	s.activities[activityID] = activity
	return true, nil
}

func (s *MemoryStore) MergeActivities(_ context.Context, canonicalID string, duplicateIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[canonicalID]; !ok {
		return 0, ErrNotFound
	}
	losers := make(map[string]struct{}, len(duplicateIDs))
	for _, id := range duplicateIDs {
		if id != canonicalID {
			losers[id] = struct{}{}
		}
	}

	moved := 0
	for id, assignment := range s.assignments {
		if _, ok := losers[assignment.ActivityID]; ok {
			assignment.ActivityID = canonicalID
			s.assignments[id] = assignment
			moved++
		}
	}
	for id := range losers {
		delete(s.activities, id)
	}
	return moved, nil
}

func (s *MemoryStore) ListReconcileCandidates(_ context.Context, source, start, end string) ([]models.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedActivities(func(a models.Activity) bool {
		return a.CalendarSource == source &&
			a.Date >= start && a.Date <= end &&
			a.ExternalID != nil && *a.ExternalID != "" &&
			!a.IsTerminal()
	}), nil
}

func (s *MemoryStore) CancelActivity(_ context.Context, activityID string) error {
	return s.mutate(activityID, func(a *models.Activity) {
		a.Status = models.ActivityStatusCancelled
	})
}

func (s *MemoryStore) DeleteActivity(_ context.Context, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[activityID]; !ok {
		return ErrNotFound
	}
	delete(s.activities, activityID)
	for id, assignment := range s.assignments {
		if assignment.ActivityID == activityID {
			delete(s.assignments, id)
		}
	}
	return nil
}

// CreateAssignment records a game master on an activity and sets its
// assignment fields.
func (s *MemoryStore) CreateAssignment(_ context.Context, assignment models.Assignment) (models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[assignment.ActivityID]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	assignment.ID = uuid.NewString()
	assignment.AssignedAt = s.now()
	s.assignments[assignment.ID] = assignment

	gmID := assignment.GameMasterID
	assignedAt := assignment.AssignedAt
	activity.IsAssigned = true
	activity.AssignedGameMasterID = &gmID
	activity.AssignedAt = &assignedAt
	activity.AssignmentScore = assignment.Score
	activity.Status = models.ActivityStatusAssigned
	activity.UpdatedAt = assignedAt
	s.activities[activity.ID] = activity
	return assignment, nil
}

func (s *MemoryStore) ListUpcomingActivities(_ context.Context, from string) ([]models.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	activities := s.sortedActivities(func(a models.Activity) bool {
		return a.Date >= from && !a.IsTerminal()
	})
	sort.SliceStable(activities, func(i, j int) bool {
		if activities[i].Date != activities[j].Date {
			return activities[i].Date < activities[j].Date
		}
		return activities[i].StartTime < activities[j].StartTime
	})
	return activities, nil
}

func (s *MemoryStore) ListAssignments(_ context.Context, activityIDs []string) ([]models.Assignment, error) {
	wanted := make(map[string]struct{}, len(activityIDs))
	for _, id := range activityIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Assignment, 0)
	for _, assignment := range s.assignments {
		if _, ok := wanted[assignment.ActivityID]; ok {
			out = append(out, assignment)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActivityID != out[j].ActivityID {
			return out[i].ActivityID < out[j].ActivityID
		}
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListGameMasters(_ context.Context) ([]models.GameMaster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.GameMaster, 0, len(s.gameMasters))
	for _, gm := range s.gameMasters {
		out = append(out, gm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListAvailabilities(_ context.Context, from string) ([]models.Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Availability, 0, len(s.availabilities))
	for _, availability := range s.availabilities {
		if availability.Date >= from {
			availability.Slots = append([]string(nil), availability.Slots...)
			out = append(out, availability)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCompetencies(_ context.Context) ([]models.Competency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Competency(nil), s.competencies...), nil
}

func (s *MemoryStore) ListGameMappings(_ context.Context) ([]models.GameMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.GameMapping(nil), s.mappings...), nil
}

func (s *MemoryStore) ClearStaleAssignedFlags(_ context.Context) ([]string, error) {
	return s.repairFlags(func(a *models.Activity) bool {
		if a.HasAssignee() || !a.IsAssigned {
			return false
		}
		a.IsAssigned = false
		a.AssignedGameMasterID = nil
		if !a.IsTerminal() {
			a.Status = models.ActivityStatusPending
		}
		return true
	}), nil
}

func (s *MemoryStore) RestoreAssignedFlags(_ context.Context) ([]string, error) {
	return s.repairFlags(func(a *models.Activity) bool {
		if !a.HasAssignee() || a.IsAssigned {
			return false
		}
		a.IsAssigned = true
		if !a.IsTerminal() && a.Status != models.ActivityStatusConfirmed {
			a.Status = models.ActivityStatusAssigned
		}
		return true
	}), nil
}

func (s *MemoryStore) repairFlags(fix func(a *models.Activity) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, activity := range s.activities {
		if fix(&activity) {
			activity.UpdatedAt = s.now()
			s.activities[id] = activity
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) CreateSyncLog(_ context.Context, entry models.SyncLog) (models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	s.syncLogs = append(s.syncLogs, entry)
	return entry, nil
}

func (s *MemoryStore) ListSyncLogs(_ context.Context, limit int) ([]models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = defaultSyncLogLimit
	}
	out := make([]models.SyncLog, 0, limit)
	for i := len(s.syncLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.syncLogs[i])
	}
	return out, nil
}

func (s *MemoryStore) mutate(activityID string, fn func(a *models.Activity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[activityID]
	if !ok {
		return ErrNotFound
	}
	fn(&activity)
	activity.UpdatedAt = s.now()
	s.activities[activityID] = activity
	return nil
}

// sortedActivities must be called with the lock held.
func (s *MemoryStore) sortedActivities(keep func(models.Activity) bool) []models.Activity {
	out := make([]models.Activity, 0)
	for _, activity := range s.activities {
		if keep(activity) {
			out = append(out, cloneActivity(activity))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneActivity(activity models.Activity) models.Activity {
	activity.ExternalID = cloneString(activity.ExternalID)
	activity.AssignedGameMasterID = cloneString(activity.AssignedGameMasterID)
	activity.GameID = cloneString(activity.GameID)
	if activity.AssignedAt != nil {
		v := *activity.AssignedAt
		activity.AssignedAt = &v
	}
	if activity.AssignmentScore != nil {
		v := *activity.AssignmentScore
		activity.AssignmentScore = &v
	}
	if activity.LastModified != nil {
		v := *activity.LastModified
		activity.LastModified = &v
	}
	return activity
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

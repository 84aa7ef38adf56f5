package automation

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"memberflow/models"
)

// ProgressStore owns CourseProgressState rows: one per
// (member, course, lesson), merged incrementally from partial signals.
type ProgressStore struct {
	DB *gorm.DB
}

func NewProgressStore(db *gorm.DB) *ProgressStore {
	return &ProgressStore{DB: db}
}

// ProgressUpdate is one lesson-interaction fact to merge.
type ProgressUpdate struct {
	MemberID   uint
	CourseID   string
	LessonID   string
	Status     string // started or completed
	OccurredAt time.Time
	Source     string
	Metadata   map[string]interface{}
}

// Upsert merges the update into the row for its key, creating the row when
// none exists. Completion is sticky: once a row is completed, a later
// "started" signal never downgrades it and never clears completed_at.
// started_at keeps its first value; last_interaction_at and metadata always
// advance.
func (ps *ProgressStore) Upsert(update ProgressUpdate) (*models.CourseProgressState, error) {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	source := update.Source
	if source == "" {
		source = models.ProgressSourceEvent
	}

	var existing models.CourseProgressState
	err := ps.DB.Where(
		"member_id = ? AND course_id = ? AND lesson_id = ?",
		update.MemberID, update.CourseID, update.LessonID,
	).First(&existing).Error

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		row := models.CourseProgressState{
			MemberID:          update.MemberID,
			CourseID:          update.CourseID,
			LessonID:          update.LessonID,
			Status:            nextProgressStatus(update.Status, ""),
			StartedAt:         &occurredAt,
			LastInteractionAt: &occurredAt,
			Source:            source,
			Metadata:          update.Metadata,
		}
		if row.Status == models.ProgressStatusCompleted {
			row.CompletedAt = &occurredAt
		}
		if createErr := ps.DB.Create(&row).Error; createErr != nil {
			if !isDuplicateKey(createErr) {
				return nil, createErr
			}
			// Lost a race against a concurrent upsert for the same key;
			// re-read and merge into the winner's row.
			if rereadErr := ps.DB.Where(
				"member_id = ? AND course_id = ? AND lesson_id = ?",
				update.MemberID, update.CourseID, update.LessonID,
			).First(&existing).Error; rereadErr != nil {
				return nil, rereadErr
			}
			return ps.merge(&existing, update.Status, occurredAt, source, update.Metadata)
		}
		return &row, nil
	}

	return ps.merge(&existing, update.Status, occurredAt, source, update.Metadata)
}

func (ps *ProgressStore) merge(row *models.CourseProgressState, status string, occurredAt time.Time, source string, metadata map[string]interface{}) (*models.CourseProgressState, error) {
	row.Status = nextProgressStatus(status, row.Status)
	if row.StartedAt == nil {
		row.StartedAt = &occurredAt
	}
	if row.Status == models.ProgressStatusCompleted && row.CompletedAt == nil {
		row.CompletedAt = &occurredAt
	}
	row.LastInteractionAt = &occurredAt
	row.Source = source
	if metadata != nil {
		row.Metadata = metadata
	}
	if err := ps.DB.Save(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func nextProgressStatus(incoming, existing string) string {
	if incoming == models.ProgressStatusCompleted || existing == models.ProgressStatusCompleted {
		return models.ProgressStatusCompleted
	}
	return models.ProgressStatusStarted
}

// isDuplicateKey matches unique-constraint violations across the postgres
// driver's translated error and the raw sqlite/postgres messages.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberflow/models"
)

func TestProgressUpsertCreatesRow(t *testing.T) {
	db := newTestDB(t)
	_, member := seedCommunityAndMember(t, db)
	store := NewProgressStore(db)

	occurredAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	row, err := store.Upsert(ProgressUpdate{
		MemberID:   member.ID,
		CourseID:   "c1",
		LessonID:   "l1",
		Status:     models.ProgressStatusCompleted,
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProgressStatusCompleted, row.Status)
	require.NotNil(t, row.StartedAt)
	require.NotNil(t, row.CompletedAt)
	assert.Equal(t, *row.StartedAt, *row.CompletedAt)
	assert.Equal(t, models.ProgressSourceEvent, row.Source)
}

func TestProgressCompletionIsSticky(t *testing.T) {
	db := newTestDB(t)
	_, member := seedCommunityAndMember(t, db)
	store := NewProgressStore(db)

	completedAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.Upsert(ProgressUpdate{
		MemberID:   member.ID,
		CourseID:   "c1",
		LessonID:   "l1",
		Status:     models.ProgressStatusCompleted,
		OccurredAt: completedAt,
	})
	require.NoError(t, err)

	// A later "started" signal must not downgrade the row
	laterStart := completedAt.Add(48 * time.Hour)
	row, err := store.Upsert(ProgressUpdate{
		MemberID:   member.ID,
		CourseID:   "c1",
		LessonID:   "l1",
		Status:     models.ProgressStatusStarted,
		OccurredAt: laterStart,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProgressStatusCompleted, row.Status)
	require.NotNil(t, row.CompletedAt)
	assert.True(t, row.CompletedAt.Equal(completedAt))
	require.NotNil(t, row.LastInteractionAt)
	assert.True(t, row.LastInteractionAt.Equal(laterStart))

	var count int64
	require.NoError(t, db.Model(&models.CourseProgressState{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestProgressStartedThenCompleted(t *testing.T) {
	db := newTestDB(t)
	_, member := seedCommunityAndMember(t, db)
	store := NewProgressStore(db)

	startedAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	_, err := store.Upsert(ProgressUpdate{
		MemberID:   member.ID,
		CourseID:   "c1",
		LessonID:   "l1",
		Status:     models.ProgressStatusStarted,
		OccurredAt: startedAt,
	})
	require.NoError(t, err)

	completedAt := startedAt.Add(time.Hour)
	row, err := store.Upsert(ProgressUpdate{
		MemberID:   member.ID,
		CourseID:   "c1",
		LessonID:   "l1",
		Status:     models.ProgressStatusCompleted,
		OccurredAt: completedAt,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProgressStatusCompleted, row.Status)
	require.NotNil(t, row.StartedAt)
	assert.True(t, row.StartedAt.Equal(startedAt), "started_at keeps its first value")
	require.NotNil(t, row.CompletedAt)
	assert.True(t, row.CompletedAt.Equal(completedAt))
}

func TestProgressSourceTagAdvances(t *testing.T) {
	db := newTestDB(t)
	_, member := seedCommunityAndMember(t, db)
	store := NewProgressStore(db)

	_, err := store.Upsert(ProgressUpdate{
		MemberID: member.ID,
		CourseID: "c1",
		LessonID: "l1",
		Status:   models.ProgressStatusStarted,
		Source:   models.ProgressSourceReconcile,
	})
	require.NoError(t, err)

	var row models.CourseProgressState
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, models.ProgressSourceReconcile, row.Source)
}

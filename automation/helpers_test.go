package automation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"memberflow/content"
	"memberflow/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

// stubContentSource is an in-memory content service.
type stubContentSource struct {
	structures   map[string]*content.CourseStructure
	interactions map[string][]content.LessonInteraction
	structureErr error
	fetchErr     error
}

func (s *stubContentSource) FetchCourseStructure(ctx context.Context, courseID string) (*content.CourseStructure, error) {
	if s.structureErr != nil {
		return nil, s.structureErr
	}
	return s.structures[courseID], nil
}

func (s *stubContentSource) FetchLessonInteractions(ctx context.Context, courseID, memberExternalID string) ([]content.LessonInteraction, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.interactions[courseID], nil
}

func seedCommunityAndMember(t *testing.T, db *gorm.DB) (models.Community, models.Member) {
	t.Helper()

	community := models.Community{ExternalID: "comm-1", Name: "Makers Club"}
	require.NoError(t, db.Create(&community).Error)

	member := models.Member{CommunityID: community.ID, ExternalID: "mem-1", Email: "ada@example.com", Name: "Ada"}
	require.NoError(t, db.Create(&member).Error)

	return community, member
}

func threeLessonCourse() *content.CourseStructure {
	return &content.CourseStructure{
		ID:    "c1",
		Title: "Onboarding Course",
		Chapters: []content.Chapter{
			{
				ID:    "ch1",
				Title: "Basics",
				Order: 1,
				Lessons: []content.Lesson{
					{ID: "l1", Title: "Welcome", Order: 1},
					{ID: "l2", Title: "Setup", Order: 2},
					{ID: "l3", Title: "First steps", Order: 3},
				},
			},
		},
	}
}

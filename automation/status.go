package automation

import (
	"time"

	"memberflow/content"
	"memberflow/models"
)

// LessonStatus is the projected state of one lesson for one member.
type LessonStatus struct {
	Status     string
	OccurredAt time.Time
}

// ComputeLessonStatuses projects raw interaction facts into a per-lesson
// status map. An interaction with no timestamp falls back to the given time.
func ComputeLessonStatuses(interactions []content.LessonInteraction, fallback time.Time) map[string]LessonStatus {
	statuses := make(map[string]LessonStatus, len(interactions))
	for _, it := range interactions {
		status := models.ProgressStatusStarted
		if it.Completed {
			status = models.ProgressStatusCompleted
		}
		occurredAt := fallback
		if it.CreatedAt != nil {
			occurredAt = *it.CreatedAt
		}
		statuses[it.LessonID] = LessonStatus{Status: status, OccurredAt: occurredAt}
	}
	return statuses
}

// IsChapterCompleted reports whether every lesson in the chapter is
// completed. A chapter that is unknown or has no lessons can never be
// completed; the vacuous-truth answer would fire automations on empty
// chapters.
func IsChapterCompleted(chapterID string, statuses map[string]LessonStatus, structure *content.CourseStructure) bool {
	if structure == nil {
		return false
	}
	var chapter *content.Chapter
	for i := range structure.Chapters {
		if structure.Chapters[i].ID == chapterID {
			chapter = &structure.Chapters[i]
			break
		}
	}
	if chapter == nil || len(chapter.Lessons) == 0 {
		return false
	}
	for _, lesson := range chapter.Lessons {
		if statuses[lesson.ID].Status != models.ProgressStatusCompleted {
			return false
		}
	}
	return true
}

// IsCourseStarted reports whether the member has touched any lesson.
func IsCourseStarted(statuses map[string]LessonStatus) bool {
	return len(statuses) > 0
}

// IsCourseCompleted reports whether every lesson across every chapter is
// completed. A course with no lessons can never be completed.
func IsCourseCompleted(statuses map[string]LessonStatus, structure *content.CourseStructure) bool {
	if structure == nil {
		return false
	}
	total := structure.TotalLessons()
	if total == 0 {
		return false
	}
	completed := 0
	for _, chapter := range structure.Chapters {
		for _, lesson := range chapter.Lessons {
			if statuses[lesson.ID].Status == models.ProgressStatusCompleted {
				completed++
			}
		}
	}
	return completed == total
}

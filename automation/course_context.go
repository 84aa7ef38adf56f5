package automation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"memberflow/content"
)

// CourseContext is the normalized (course, chapter, lesson) identity
// extracted from a raw course-related event.
type CourseContext struct {
	TriggerKind  TriggerCode `json:"trigger_kind"`
	CourseID     string      `json:"course_id"`
	CourseTitle  string      `json:"course_title,omitempty"`
	ChapterID    string      `json:"chapter_id,omitempty"`
	ChapterTitle string      `json:"chapter_title,omitempty"`
	LessonID     string      `json:"lesson_id,omitempty"`
	LessonTitle  string      `json:"lesson_title,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Extractor turns raw course-event payloads into a CourseContext. Payload
// shapes are inconsistent across upstream producers: ids may be flat
// (snake or camel case) or nested under course/chapter/lesson/experience
// sub-objects.
type Extractor struct {
	Content content.Source
}

func NewExtractor(source content.Source) *Extractor {
	return &Extractor{Content: source}
}

// Extract returns the normalized context for a course event, or nil when the
// mandatory identity fields for that code are missing. Course id is always
// mandatory; lesson id for the two lesson-level codes; chapter id for
// chapter-completed.
func (e *Extractor) Extract(ctx context.Context, code TriggerCode, payload map[string]interface{}) *CourseContext {
	if payload == nil {
		return nil
	}
	if code == TriggerCourseLessonCompleted {
		return e.extractLessonCompleted(ctx, payload)
	}
	return e.extractGeneric(code, payload)
}

// extractLessonCompleted handles the one code whose payloads never carry
// chapter identity: the chapter is backfilled by scanning the course
// structure for the lesson. A failed lookup degrades to null chapter fields;
// lesson identity alone is enough to accept the event.
func (e *Extractor) extractLessonCompleted(ctx context.Context, payload map[string]interface{}) *CourseContext {
	courseID := pickString(payload, "course_id", "courseId", "experience_id", "experienceId")
	if courseID == "" {
		courseID = nestedString(payload, "course", "experience")
	}
	lessonID := pickString(payload, "lesson_id", "lessonId", "lesson_interaction_id")
	if lessonID == "" {
		lessonID = nestedString(payload, "lesson")
	}
	if courseID == "" || lessonID == "" {
		return nil
	}

	occurredAt := pickTimestamp(payload, "completed_at", "completedAt", "created_at", "createdAt", "timestamp")

	cc := &CourseContext{
		TriggerKind: TriggerCourseLessonCompleted,
		CourseID:    courseID,
		LessonID:    lessonID,
		LessonTitle: pickString(payload, "lesson_title", "lessonTitle"),
		OccurredAt:  occurredAt,
	}

	structure, err := e.Content.FetchCourseStructure(ctx, courseID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"course_id": courseID,
			"lesson_id": lessonID,
		}).WithError(err).Warn("automation: chapter lookup failed, accepting event without chapter")
		return cc
	}
	if structure == nil {
		return cc
	}
	cc.CourseTitle = structure.Title
	if chapter := structure.FindChapterForLesson(lessonID); chapter != nil {
		cc.ChapterID = chapter.ID
		cc.ChapterTitle = chapter.Title
	}
	return cc
}

func (e *Extractor) extractGeneric(code TriggerCode, payload map[string]interface{}) *CourseContext {
	cc := &CourseContext{
		TriggerKind: code,
		OccurredAt:  pickTimestamp(payload, "occurred_at", "occurredAt", "completed_at", "created_at", "createdAt", "timestamp"),
	}

	cc.CourseID = pickString(payload, "course_id", "courseId", "experience_id", "experienceId")
	cc.ChapterID = pickString(payload, "chapter_id", "chapterId")
	cc.LessonID = pickString(payload, "lesson_id", "lessonId")

	for _, key := range []string{"course", "experience"} {
		if sub := subObject(payload, key); sub != nil {
			if cc.CourseID == "" {
				cc.CourseID = pickString(sub, "id", "course_id")
			}
			if cc.CourseTitle == "" {
				cc.CourseTitle = pickString(sub, "title", "name")
			}
		}
	}
	if sub := subObject(payload, "chapter"); sub != nil {
		if cc.ChapterID == "" {
			cc.ChapterID = pickString(sub, "id", "chapter_id")
		}
		cc.ChapterTitle = pickString(sub, "title", "name")
	}
	if sub := subObject(payload, "lesson"); sub != nil {
		if cc.LessonID == "" {
			cc.LessonID = pickString(sub, "id", "lesson_id")
		}
		cc.LessonTitle = pickString(sub, "title", "name")
	}

	if cc.CourseID == "" {
		return nil
	}
	switch code {
	case TriggerCourseLessonStarted, TriggerCourseLessonNotStarted:
		if cc.LessonID == "" {
			return nil
		}
	case TriggerCourseChapterCompleted:
		if cc.ChapterID == "" {
			return nil
		}
	}
	return cc
}

func subObject(payload map[string]interface{}, key string) map[string]interface{} {
	if sub, ok := payload[key].(map[string]interface{}); ok {
		return sub
	}
	return nil
}

func nestedString(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if sub := subObject(payload, key); sub != nil {
			if id := pickString(sub, "id"); id != "" {
				return id
			}
		}
	}
	return ""
}

// pickString returns the first present, non-empty key coerced to a string.
// Upstream producers send ids as strings or bare JSON numbers.
func pickString(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// pickTimestamp coerces the first parseable timestamp key, defaulting to now.
// Numeric values are epoch seconds; upstream never sends milliseconds.
func pickTimestamp(payload map[string]interface{}, keys ...string) time.Time {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		if ts, ok := coerceTimestamp(v); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func coerceTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case int64:
		return time.Unix(t, 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
		if secs, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func (cc *CourseContext) String() string {
	return fmt.Sprintf("course=%s chapter=%s lesson=%s kind=%s", cc.CourseID, cc.ChapterID, cc.LessonID, cc.TriggerKind)
}

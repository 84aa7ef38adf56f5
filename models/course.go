package models

import (
	"time"

	"gorm.io/gorm"
)

// Lesson progress statuses. Absence of a row means not started.
const (
	ProgressStatusStarted   = "started"
	ProgressStatusCompleted = "completed"
)

// Provenance of a progress upsert
const (
	ProgressSourceEvent     = "event"     // live webhook event
	ProgressSourceReconcile = "reconcile" // watch-reconciler snapshot
)

// CourseProgressState is one row per (member, course, lesson) recording that
// lesson's lifecycle. Status only ever advances started -> completed; a late
// "started" signal never downgrades a completed row.
type CourseProgressState struct {
	gorm.Model
	MemberID uint   `gorm:"not null;index;uniqueIndex:idx_member_course_lesson" json:"member_id"`
	CourseID string `gorm:"not null;index;uniqueIndex:idx_member_course_lesson" json:"course_id"`
	LessonID string `gorm:"not null;uniqueIndex:idx_member_course_lesson" json:"lesson_id"`

	Status            string     `gorm:"not null" json:"status"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	LastInteractionAt *time.Time `json:"last_interaction_at"`
	Source            string     `gorm:"default:'event'" json:"source"`

	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`

	// Relations
	Member Member `json:"-"`
}

// CourseTriggerWatch caches the evaluation of a derived course predicate
// (chapter/course completion, inactivity deadline) for one member, so the
// orchestrator never recomputes full course state per scheduling decision.
// Keyed by (member, trigger_kind, course, chapter, lesson).
type CourseTriggerWatch struct {
	gorm.Model
	CommunityID uint   `gorm:"not null;index" json:"community_id"`
	MemberID    uint   `gorm:"not null;index;uniqueIndex:idx_watch_key" json:"member_id"`
	TriggerKind string `gorm:"not null;uniqueIndex:idx_watch_key" json:"trigger_kind"`
	CourseID    string `gorm:"not null;index;uniqueIndex:idx_watch_key" json:"course_id"`
	ChapterID   string `gorm:"uniqueIndex:idx_watch_key" json:"chapter_id"`
	LessonID    string `gorm:"uniqueIndex:idx_watch_key" json:"lesson_id"`

	// DeadlineAt is only set for time-based kinds. SatisfiedAt records the
	// first time the predicate held and is cleared if a later recomputation
	// finds it no longer does. FiredAt stops the deadline sweeper from
	// double-scheduling.
	DeadlineAt  *time.Time `gorm:"index" json:"deadline_at"`
	SatisfiedAt *time.Time `json:"satisfied_at"`
	FiredAt     *time.Time `json:"fired_at"`

	TriggerMetadata *TriggerMetadata `gorm:"type:jsonb;serializer:json" json:"trigger_metadata,omitempty"`

	// Relations
	Member Member `json:"-"`
}

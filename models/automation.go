package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence statuses
const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusPaused   = "paused"
	SequenceStatusArchived = "archived"
)

// Enrollment statuses
const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusCanceled  = "canceled"
)

// Job statuses. Pending and processing are the non-terminal states the
// duplicate-job check guards against.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusSent       = "sent"
	JobStatusFailed     = "failed"
	JobStatusCanceled   = "canceled"
)

// TriggerMetadata gates an automation against the course context extracted
// from an event. Absent fields act as wildcards. Stored as jsonb on the
// first step of a sequence or on a standalone campaign.
type TriggerMetadata struct {
	TriggerKind string `json:"trigger_kind,omitempty"`
	CourseID    string `json:"course_id,omitempty"`
	ChapterID   string `json:"chapter_id,omitempty"`
	LessonID    string `json:"lesson_id,omitempty"`
	WaitDays    int    `json:"wait_days,omitempty"`
}

// IsZero reports whether no gate field is set.
func (m TriggerMetadata) IsZero() bool {
	return m.TriggerKind == "" && m.CourseID == "" && m.ChapterID == "" && m.LessonID == "" && m.WaitDays == 0
}

// AutomationSequence is an ordered multi-step automation owned by a
// community, fired when its trigger event is seen for a member.
type AutomationSequence struct {
	gorm.Model
	CommunityID uint `gorm:"not null;index" json:"community_id"`

	Name         string `gorm:"not null" json:"name"`
	Description  string `json:"description"`
	TriggerEvent string `gorm:"not null;index" json:"trigger_event"`
	Status       string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, archived

	// Relations
	Steps       []AutomationStep       `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Enrollments []AutomationEnrollment `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// AutomationStep is one (delay, campaign) pair within a sequence. The delay
// is relative to the previous step; minutes when no unit is set. Metadata is
// only honored on the first step, where it gates the whole sequence.
type AutomationStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	Position   int    `gorm:"not null" json:"position"`
	DelayValue int    `gorm:"default:0" json:"delay_value"`
	DelayUnit  string `gorm:"default:'minutes'" json:"delay_unit"` // minutes, hours, days

	Metadata *TriggerMetadata `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`

	// Relations
	Sequence AutomationSequence `json:"-"`
}

// AutomationEnrollment records a member's progress through a sequence.
// One row per (sequence, member); re-triggering updates instead of
// duplicating.
type AutomationEnrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_member" json:"sequence_id"`
	MemberID   uint `gorm:"not null;index;uniqueIndex:idx_sequence_member" json:"member_id"`

	CurrentStepID   *uint      `json:"current_step_id"`
	Status          string     `gorm:"default:'active'" json:"status"`
	EnrolledAt      time.Time  `json:"enrolled_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`

	// Relations
	Sequence AutomationSequence `json:"-"`
	Member   Member             `json:"-"`
}

// AutomationJob is the scheduled unit of "send this campaign to this member
// at this time". The delivery worker owns everything after pending.
type AutomationJob struct {
	gorm.Model
	SequenceID *uint `gorm:"index" json:"sequence_id"`
	StepID     *uint `gorm:"index" json:"step_id"`
	CampaignID uint  `gorm:"not null;index:idx_job_campaign_member" json:"campaign_id"`
	MemberID   uint  `gorm:"not null;index:idx_job_campaign_member" json:"member_id"`

	ScheduledAt time.Time `gorm:"not null;index" json:"scheduled_at"`
	Status      string    `gorm:"default:'pending';index" json:"status"`

	// Snapshot of the triggering event, used by the delivery worker for
	// template variables.
	Payload map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"payload,omitempty"`

	// Relations
	Campaign Campaign `json:"-"`
	Member   Member   `json:"-"`
}

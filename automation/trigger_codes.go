package automation

import "strings"

// TriggerCode is the canonical identifier for a lifecycle event class.
// Upstream sources spell the same event half a dozen ways; everything is
// funneled through Registry.Normalize before it reaches the engine.
type TriggerCode string

const (
	TriggerMemberCreated         TriggerCode = "member_created"
	TriggerMemberUpdated         TriggerCode = "member_updated"
	TriggerPaymentSucceeded      TriggerCode = "payment_succeeded"
	TriggerPaymentFailed         TriggerCode = "payment_failed"
	TriggerMembershipWentValid   TriggerCode = "membership_went_valid"
	TriggerMembershipWentInvalid TriggerCode = "membership_went_invalid"

	TriggerCourseLessonStarted    TriggerCode = "course_lesson_started"
	TriggerCourseLessonCompleted  TriggerCode = "course_lesson_completed"
	TriggerCourseChapterCompleted TriggerCode = "course_chapter_completed"
	TriggerCourseStarted          TriggerCode = "course_started"
	TriggerCourseCompleted        TriggerCode = "course_completed"
	TriggerCourseLessonNotStarted TriggerCode = "course_lesson_not_started_after_x_days"
)

type triggerDef struct {
	code    TriggerCode
	label   string
	course  bool
	aliases []string
}

var triggerDefs = []triggerDef{
	{
		code:    TriggerMemberCreated,
		label:   "Member joined",
		aliases: []string{"member_created", "member.created", "community_member_created", "new_member"},
	},
	{
		code:    TriggerMemberUpdated,
		label:   "Member profile updated",
		aliases: []string{"member_updated", "member.updated", "community_member_updated"},
	},
	{
		code:    TriggerPaymentSucceeded,
		label:   "Payment succeeded",
		aliases: []string{"payment_succeeded", "payment.succeeded", "payment_success", "charge.succeeded"},
	},
	{
		code:    TriggerPaymentFailed,
		label:   "Payment failed",
		aliases: []string{"payment_failed", "payment.failed", "charge.failed"},
	},
	{
		code:    TriggerMembershipWentValid,
		label:   "Membership activated",
		aliases: []string{"membership_went_valid", "membership.went.valid", "membership_activated", "subscription_activated"},
	},
	{
		code:    TriggerMembershipWentInvalid,
		label:   "Membership deactivated",
		aliases: []string{"membership_went_invalid", "membership.went.invalid", "membership_deactivated", "subscription_canceled"},
	},
	{
		code:    TriggerCourseLessonStarted,
		label:   "Lesson started",
		course:  true,
		aliases: []string{"course_lesson_started", "course.lesson.started", "lesson_started"},
	},
	{
		code:    TriggerCourseLessonCompleted,
		label:   "Lesson completed",
		course:  true,
		aliases: []string{"course_lesson_completed", "course.lesson.completed", "lesson_completed", "lesson_interaction_completed"},
	},
	{
		code:    TriggerCourseChapterCompleted,
		label:   "Chapter completed",
		course:  true,
		aliases: []string{"course_chapter_completed", "course.chapter.completed", "chapter_completed"},
	},
	{
		code:    TriggerCourseStarted,
		label:   "Course started",
		course:  true,
		aliases: []string{"course_started", "course.started"},
	},
	{
		code:    TriggerCourseCompleted,
		label:   "Course completed",
		course:  true,
		aliases: []string{"course_completed", "course.completed"},
	},
	{
		code:    TriggerCourseLessonNotStarted,
		label:   "Lesson not started after X days",
		course:  true,
		aliases: []string{"course_lesson_not_started_after_x_days", "course.lesson.not.started.after.x.days", "lesson_not_started"},
	},
}

// derivedCourseTriggers are the course codes that cannot be satisfied by a
// single inbound event and need a CourseTriggerWatch. Lesson-completed is
// directly observable and deliberately absent.
var derivedCourseTriggers = []TriggerCode{
	TriggerCourseLessonStarted,
	TriggerCourseLessonNotStarted,
	TriggerCourseChapterCompleted,
	TriggerCourseStarted,
	TriggerCourseCompleted,
}

// Registry canonicalizes upstream event names. Built once at startup;
// read-only afterwards.
type Registry struct {
	aliases map[string]TriggerCode
	labels  map[TriggerCode]string
	course  map[TriggerCode]bool
}

func NewRegistry() *Registry {
	r := &Registry{
		aliases: make(map[string]TriggerCode),
		labels:  make(map[TriggerCode]string),
		course:  make(map[TriggerCode]bool),
	}
	for _, def := range triggerDefs {
		r.labels[def.code] = def.label
		if def.course {
			r.course[def.code] = true
		}
		for _, alias := range def.aliases {
			r.aliases[strings.ToLower(alias)] = def.code
		}
	}
	return r
}

// Normalize maps a raw upstream action name to its canonical code.
// Case-insensitive. Unknown actions return ok=false and must be ignored by
// callers, never scheduled.
func (r *Registry) Normalize(raw string) (TriggerCode, bool) {
	code, ok := r.aliases[strings.ToLower(strings.TrimSpace(raw))]
	return code, ok
}

// Label returns the human-readable name for a code, or the code itself when
// it has no registered label.
func (r *Registry) Label(code TriggerCode) string {
	if label, ok := r.labels[code]; ok {
		return label
	}
	return string(code)
}

// IsCourseTrigger reports whether the code belongs to the course family.
func (r *Registry) IsCourseTrigger(code TriggerCode) bool {
	return r.course[code]
}

// IsDerivedCourseTrigger reports whether the code needs a watch to be
// evaluated (compound predicate or deadline) rather than a single event.
func (r *Registry) IsDerivedCourseTrigger(code TriggerCode) bool {
	for _, c := range derivedCourseTriggers {
		if c == code {
			return true
		}
	}
	return false
}

// IsMembershipActivation reports whether the code marks a membership going
// valid, the moment course-trigger watches get refreshed.
func (r *Registry) IsMembershipActivation(code TriggerCode) bool {
	return code == TriggerMembershipWentValid
}

package automation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"memberflow/content"
	"memberflow/models"
)

const (
	defaultWaitDays = 3
	minWaitDays     = 1
)

// WatchReconciler maintains CourseTriggerWatch rows for automations whose
// trigger cannot be satisfied by a single event: chapter/course completion
// and inactivity deadlines are derived from the member's full interaction
// snapshot against the course structure.
type WatchReconciler struct {
	DB       *gorm.DB
	Content  content.Source
	Progress *ProgressStore
	Registry *Registry
}

func NewWatchReconciler(db *gorm.DB, source content.Source, progress *ProgressStore, registry *Registry) *WatchReconciler {
	return &WatchReconciler{DB: db, Content: source, Progress: progress, Registry: registry}
}

// watchDefinition is one active automation that needs a watch: the trigger
// kind plus the course gate from its metadata.
type watchDefinition struct {
	kind TriggerCode
	meta models.TriggerMetadata
}

// EnsureWatches recomputes every derived course predicate for the member and
// persists the results. No-op when the member has no external id (nothing to
// fetch interactions for). A fetch failure for one course skips that
// course's definitions and keeps going.
func (wr *WatchReconciler) EnsureWatches(ctx context.Context, communityID, memberID uint, memberExternalID string) error {
	if memberExternalID == "" {
		return nil
	}

	defs, err := wr.loadDefinitions(communityID)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return nil
	}

	byCourse := make(map[string][]watchDefinition)
	for _, def := range defs {
		byCourse[def.meta.CourseID] = append(byCourse[def.meta.CourseID], def)
	}

	now := time.Now().UTC()
	for courseID, courseDefs := range byCourse {
		if err := wr.reconcileCourse(ctx, communityID, memberID, memberExternalID, courseID, courseDefs, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"course_id": courseID,
				"member_id": memberID,
			}).WithError(err).Warn("automation: watch reconciliation skipped course")
		}
	}
	return nil
}

// loadDefinitions collects every active automation on the community whose
// trigger is a derived course code and whose metadata names a course:
// standalone campaigns, and the first step of active sequences.
func (wr *WatchReconciler) loadDefinitions(communityID uint) ([]watchDefinition, error) {
	derived := make([]string, 0, len(derivedCourseTriggers))
	for _, code := range derivedCourseTriggers {
		derived = append(derived, string(code))
	}

	var defs []watchDefinition

	var campaigns []models.Campaign
	if err := wr.DB.Where(
		"community_id = ? AND send_mode = ? AND automation_sequence_id IS NULL AND automation_status = ? AND trigger_event IN ?",
		communityID, models.SendModeAutomation, models.AutomationStatusActive, derived,
	).Find(&campaigns).Error; err != nil {
		return nil, err
	}
	for _, campaign := range campaigns {
		if campaign.AutomationTriggerMetadata == nil || campaign.AutomationTriggerMetadata.CourseID == "" {
			continue
		}
		defs = append(defs, watchDefinition{
			kind: TriggerCode(campaign.TriggerEvent),
			meta: *campaign.AutomationTriggerMetadata,
		})
	}

	var sequences []models.AutomationSequence
	if err := wr.DB.Where(
		"community_id = ? AND status = ? AND trigger_event IN ?",
		communityID, models.SequenceStatusActive, derived,
	).Find(&sequences).Error; err != nil {
		return nil, err
	}
	for _, sequence := range sequences {
		var first models.AutomationStep
		err := wr.DB.Where("sequence_id = ?", sequence.ID).Order("position asc").First(&first).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				continue
			}
			return nil, err
		}
		if first.Metadata == nil || first.Metadata.CourseID == "" {
			continue
		}
		defs = append(defs, watchDefinition{
			kind: TriggerCode(sequence.TriggerEvent),
			meta: *first.Metadata,
		})
	}

	return defs, nil
}

func (wr *WatchReconciler) reconcileCourse(ctx context.Context, communityID, memberID uint, memberExternalID, courseID string, defs []watchDefinition, now time.Time) error {
	interactions, err := wr.Content.FetchLessonInteractions(ctx, courseID, memberExternalID)
	if err != nil {
		return err
	}
	statuses := ComputeLessonStatuses(interactions, now)

	// Opportunistically fold the snapshot into the progress store so
	// provenance is recoverable even for interactions that never produced a
	// live event.
	for _, it := range interactions {
		status := statuses[it.LessonID]
		_, err := wr.Progress.Upsert(ProgressUpdate{
			MemberID:   memberID,
			CourseID:   courseID,
			LessonID:   it.LessonID,
			Status:     status.Status,
			OccurredAt: status.OccurredAt,
			Source:     models.ProgressSourceReconcile,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"course_id": courseID,
				"lesson_id": it.LessonID,
				"member_id": memberID,
			}).WithError(err).Warn("automation: snapshot progress upsert failed")
		}
	}

	structure, err := wr.Content.FetchCourseStructure(ctx, courseID)
	if err != nil {
		return err
	}

	for _, def := range defs {
		satisfied := wr.evaluate(def, statuses, structure)

		var deadline *time.Time
		if def.kind == TriggerCourseLessonNotStarted {
			d := now.Add(time.Duration(normalizeWaitDays(def.meta.WaitDays)) * 24 * time.Hour)
			deadline = &d
		}

		if err := wr.upsertWatch(communityID, memberID, def, satisfied, deadline, now); err != nil {
			return err
		}
	}
	return nil
}

// evaluate decides whether the definition's predicate currently holds for
// the member. For the inactivity kind the predicate is "lesson still not
// started"; the deadline sweeper decides when that actually fires.
func (wr *WatchReconciler) evaluate(def watchDefinition, statuses map[string]LessonStatus, structure *content.CourseStructure) bool {
	switch def.kind {
	case TriggerCourseLessonStarted:
		status := statuses[def.meta.LessonID].Status
		return status == models.ProgressStatusStarted || status == models.ProgressStatusCompleted
	case TriggerCourseLessonNotStarted:
		_, touched := statuses[def.meta.LessonID]
		return !touched
	case TriggerCourseChapterCompleted:
		return IsChapterCompleted(def.meta.ChapterID, statuses, structure)
	case TriggerCourseStarted:
		return IsCourseStarted(statuses)
	case TriggerCourseCompleted:
		return IsCourseCompleted(statuses, structure)
	}
	return false
}

func (wr *WatchReconciler) upsertWatch(communityID, memberID uint, def watchDefinition, satisfied bool, deadline *time.Time, now time.Time) error {
	meta := def.meta

	var watch models.CourseTriggerWatch
	err := wr.DB.Where(
		"member_id = ? AND trigger_kind = ? AND course_id = ? AND chapter_id = ? AND lesson_id = ?",
		memberID, string(def.kind), meta.CourseID, meta.ChapterID, meta.LessonID,
	).First(&watch).Error

	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	if err == gorm.ErrRecordNotFound {
		watch = models.CourseTriggerWatch{
			CommunityID:     communityID,
			MemberID:        memberID,
			TriggerKind:     string(def.kind),
			CourseID:        meta.CourseID,
			ChapterID:       meta.ChapterID,
			LessonID:        meta.LessonID,
			DeadlineAt:      deadline,
			TriggerMetadata: &meta,
		}
		if satisfied {
			watch.SatisfiedAt = &now
		}
		createErr := wr.DB.Create(&watch).Error
		if createErr != nil && isDuplicateKey(createErr) {
			// Concurrent reconciliation created the row first; fall through
			// to the update path.
			if rereadErr := wr.DB.Where(
				"member_id = ? AND trigger_kind = ? AND course_id = ? AND chapter_id = ? AND lesson_id = ?",
				memberID, string(def.kind), meta.CourseID, meta.ChapterID, meta.LessonID,
			).First(&watch).Error; rereadErr != nil {
				return rereadErr
			}
		} else {
			return createErr
		}
	}

	if satisfied && watch.SatisfiedAt == nil {
		watch.SatisfiedAt = &now
	} else if !satisfied && watch.SatisfiedAt != nil {
		// Content or interaction data changed under us; the predicate no
		// longer holds.
		watch.SatisfiedAt = nil
	}
	watch.DeadlineAt = deadline
	watch.TriggerMetadata = &meta
	watch.CommunityID = communityID

	return wr.DB.Save(&watch).Error
}

func normalizeWaitDays(waitDays int) int {
	if waitDays < minWaitDays {
		return defaultWaitDays
	}
	return waitDays
}

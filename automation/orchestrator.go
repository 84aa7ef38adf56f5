package automation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"memberflow/models"
)

// Trigger outcomes
const (
	OutcomeScheduled = "scheduled"
	OutcomeIgnored   = "ignored"
)

// TriggerResult is what the ingestion layer gets back: either jobs were
// scheduled, or the event was ignored with a reason. Malformed input never
// surfaces as an error; only genuine storage failures do.
type TriggerResult struct {
	Outcome       string         `json:"outcome"`
	Reason        string         `json:"reason,omitempty"`
	JobIDs        []uint         `json:"job_ids,omitempty"`
	CourseContext *CourseContext `json:"course_context,omitempty"`
}

func ignored(reason string) *TriggerResult {
	return &TriggerResult{Outcome: OutcomeIgnored, Reason: reason}
}

// Orchestrator is the engine's entry point: it resolves the acting community
// and member, extracts course context, seeds watches, matches configured
// automations against the event, and schedules idempotent delivery jobs.
type Orchestrator struct {
	DB        *gorm.DB
	Registry  *Registry
	Extractor *Extractor
	Progress  *ProgressStore
	Watches   *WatchReconciler
}

func NewOrchestrator(db *gorm.DB, registry *Registry, extractor *Extractor, progress *ProgressStore, watches *WatchReconciler) *Orchestrator {
	return &Orchestrator{
		DB:        db,
		Registry:  registry,
		Extractor: extractor,
		Progress:  progress,
		Watches:   watches,
	}
}

// HandleTrigger runs the full decision for one normalized event. Safe to
// call concurrently, including with duplicates of the same event: job
// creation is dedup-checked and enrollment creation tolerates conflicts.
func (o *Orchestrator) HandleTrigger(ctx context.Context, code TriggerCode, communityExternalID, memberExternalID string, payload map[string]interface{}) (*TriggerResult, error) {
	if communityExternalID == "" || memberExternalID == "" {
		return ignored("missing community or member id"), nil
	}

	var community models.Community
	if err := o.DB.Where("external_id = ?", communityExternalID).First(&community).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ignored("community not found"), nil
		}
		return nil, err
	}

	var member models.Member
	if err := o.DB.Where("community_id = ? AND external_id = ?", community.ID, memberExternalID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ignored("member not found"), nil
		}
		return nil, err
	}

	// Reactivation is the moment course-trigger watches most need
	// refreshing. Best effort: a reconciliation failure never blocks
	// scheduling the activation automations themselves.
	if o.Registry.IsMembershipActivation(code) && o.Watches != nil {
		if err := o.Watches.EnsureWatches(ctx, community.ID, member.ID, member.ExternalID); err != nil {
			logrus.WithFields(logrus.Fields{
				"community_id": community.ID,
				"member_id":    member.ID,
			}).WithError(err).Warn("automation: watch reconciliation failed")
		}
	}

	var courseContext *CourseContext
	if o.Registry.IsCourseTrigger(code) {
		courseContext = o.Extractor.Extract(ctx, code, payload)
		if courseContext == nil {
			return ignored("missing course context"), nil
		}
		if code == TriggerCourseLessonCompleted {
			if _, err := o.Progress.Upsert(ProgressUpdate{
				MemberID:   member.ID,
				CourseID:   courseContext.CourseID,
				LessonID:   courseContext.LessonID,
				Status:     models.ProgressStatusCompleted,
				OccurredAt: courseContext.OccurredAt,
				Source:     models.ProgressSourceEvent,
				Metadata:   payload,
			}); err != nil {
				return nil, err
			}
		}
	}

	snapshot := o.buildPayloadSnapshot(code, payload, courseContext)
	jobs, err := o.Dispatch(community.ID, member.ID, code, courseContext, snapshot)
	if err != nil {
		return nil, err
	}

	result := &TriggerResult{Outcome: OutcomeScheduled, CourseContext: courseContext}
	for _, job := range jobs {
		result.JobIDs = append(result.JobIDs, job.ID)
	}
	return result, nil
}

// buildPayloadSnapshot is attached to every job created in one pass; the
// delivery worker uses it for template variables.
func (o *Orchestrator) buildPayloadSnapshot(code TriggerCode, payload map[string]interface{}, cc *CourseContext) map[string]interface{} {
	snapshot := map[string]interface{}{
		"event":        string(code),
		"event_id":     uuid.NewString(),
		"triggered_at": time.Now().UTC().Format(time.RFC3339),
		"raw":          payload,
	}
	if cc != nil {
		snapshot["course_context"] = cc
	}
	return snapshot
}

// definition is the unified view of "an automation that could fire on this
// event", assembled from both sequences and standalone campaigns so the
// metadata gate runs once regardless of source.
type definition struct {
	metadata *models.TriggerMetadata
	schedule func(now time.Time) ([]models.AutomationJob, error)
}

// Dispatch matches every active automation on the community against the
// event and schedules jobs for the ones that pass the course-metadata gate.
// Exported so the deadline sweeper can re-enter the same matching path.
func (o *Orchestrator) Dispatch(communityID, memberID uint, code TriggerCode, cc *CourseContext, snapshot map[string]interface{}) ([]models.AutomationJob, error) {
	defs, err := o.collectDefinitions(communityID, memberID, code, snapshot)
	if err != nil {
		return nil, err
	}

	isCourse := o.Registry.IsCourseTrigger(code)
	now := time.Now().UTC()

	var jobs []models.AutomationJob
	for _, def := range defs {
		if !metadataMatches(def.metadata, code, isCourse, cc) {
			continue
		}
		scheduled, err := def.schedule(now)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, scheduled...)
	}
	return jobs, nil
}

func (o *Orchestrator) collectDefinitions(communityID, memberID uint, code TriggerCode, snapshot map[string]interface{}) ([]definition, error) {
	var defs []definition

	var sequences []models.AutomationSequence
	if err := o.DB.Where(
		"community_id = ? AND status = ? AND trigger_event = ?",
		communityID, models.SequenceStatusActive, string(code),
	).Find(&sequences).Error; err != nil {
		return nil, err
	}
	for i := range sequences {
		sequence := sequences[i]

		var steps []models.AutomationStep
		if err := o.DB.Where("sequence_id = ?", sequence.ID).Order("position asc").Find(&steps).Error; err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			continue
		}

		// Only the first step's metadata gates the sequence.
		defs = append(defs, definition{
			metadata: steps[0].Metadata,
			schedule: func(now time.Time) ([]models.AutomationJob, error) {
				return o.scheduleSequence(sequence, steps, memberID, now, snapshot)
			},
		})
	}

	var campaigns []models.Campaign
	if err := o.DB.Where(
		"community_id = ? AND send_mode = ? AND automation_sequence_id IS NULL AND automation_status = ? AND trigger_event = ?",
		communityID, models.SendModeAutomation, models.AutomationStatusActive, string(code),
	).Find(&campaigns).Error; err != nil {
		return nil, err
	}
	for i := range campaigns {
		campaign := campaigns[i]
		defs = append(defs, definition{
			metadata: campaign.AutomationTriggerMetadata,
			schedule: func(now time.Time) ([]models.AutomationJob, error) {
				at := now.Add(delayDuration(campaign.TriggerDelayValue, campaign.TriggerDelayUnit))
				job, err := o.ScheduleJob(nil, nil, campaign.ID, memberID, at, snapshot)
				if err != nil || job == nil {
					return nil, err
				}
				return []models.AutomationJob{*job}, nil
			},
		})
	}

	return defs, nil
}

// scheduleSequence enrolls the member and schedules every step eagerly with
// cumulative delays: step N fires at now plus the sum of delays of steps
// 1..N. Later steps cannot be conditioned on earlier outcomes; that is a
// known limit of eager scheduling, not something to work around here.
func (o *Orchestrator) scheduleSequence(sequence models.AutomationSequence, steps []models.AutomationStep, memberID uint, now time.Time, snapshot map[string]interface{}) ([]models.AutomationJob, error) {
	if err := o.ensureEnrollment(sequence.ID, memberID, steps[0].ID, now); err != nil {
		return nil, err
	}

	var jobs []models.AutomationJob
	cumulative := time.Duration(0)
	for i := range steps {
		step := steps[i]
		cumulative += delayDuration(step.DelayValue, step.DelayUnit)

		sequenceID := sequence.ID
		stepID := step.ID
		job, err := o.ScheduleJob(&sequenceID, &stepID, step.CampaignID, memberID, now.Add(cumulative), snapshot)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

// ensureEnrollment creates the (sequence, member) enrollment or, when the
// member is already enrolled, reactivates it pointed back at the first step.
func (o *Orchestrator) ensureEnrollment(sequenceID, memberID, firstStepID uint, now time.Time) error {
	enrollment := models.AutomationEnrollment{
		SequenceID:      sequenceID,
		MemberID:        memberID,
		CurrentStepID:   &firstStepID,
		Status:          models.EnrollmentStatusActive,
		EnrolledAt:      now,
		LastTriggeredAt: &now,
	}
	err := o.DB.Create(&enrollment).Error
	if err == nil {
		return nil
	}
	if !isDuplicateKey(err) {
		return err
	}

	return o.DB.Model(&models.AutomationEnrollment{}).
		Where("sequence_id = ? AND member_id = ?", sequenceID, memberID).
		Updates(map[string]interface{}{
			"current_step_id":   firstStepID,
			"status":            models.EnrollmentStatusActive,
			"last_triggered_at": now,
		}).Error
}

// ScheduleJob inserts one delivery job unless a non-terminal job already
// exists for (campaign, member) — the core idempotency guarantee under
// at-least-once event delivery. Returns the existing job when deduped.
func (o *Orchestrator) ScheduleJob(sequenceID, stepID *uint, campaignID, memberID uint, at time.Time, payload map[string]interface{}) (*models.AutomationJob, error) {
	var existing models.AutomationJob
	err := o.DB.Where(
		"campaign_id = ? AND member_id = ? AND status IN ?",
		campaignID, memberID, []string{models.JobStatusPending, models.JobStatusProcessing},
	).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	job := models.AutomationJob{
		SequenceID:  sequenceID,
		StepID:      stepID,
		CampaignID:  campaignID,
		MemberID:    memberID,
		ScheduledAt: at,
		Status:      models.JobStatusPending,
		Payload:     payload,
	}
	if err := o.DB.Create(&job).Error; err != nil {
		if isDuplicateKey(err) {
			// Concurrent duplicate event won the insert race.
			if rereadErr := o.DB.Where(
				"campaign_id = ? AND member_id = ? AND status IN ?",
				campaignID, memberID, []string{models.JobStatusPending, models.JobStatusProcessing},
			).First(&existing).Error; rereadErr == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return &job, nil
}

// metadataMatches is the shared gate between a candidate automation's stored
// metadata and the extracted context. Absent fields are wildcards; present
// fields must match exactly. Course-gated automations never fire on
// non-course events.
func metadataMatches(meta *models.TriggerMetadata, code TriggerCode, isCourse bool, cc *CourseContext) bool {
	if !isCourse {
		return meta == nil || meta.IsZero()
	}
	if cc == nil {
		return false
	}
	if meta == nil {
		return true
	}
	if meta.TriggerKind != "" && meta.TriggerKind != string(code) {
		return false
	}
	if meta.CourseID != "" && meta.CourseID != cc.CourseID {
		return false
	}
	if meta.ChapterID != "" && meta.ChapterID != cc.ChapterID {
		return false
	}
	if meta.LessonID != "" && meta.LessonID != cc.LessonID {
		return false
	}
	return true
}

// delayDuration converts a stored (value, unit) delay, minutes by default.
func delayDuration(value int, unit string) time.Duration {
	if value <= 0 {
		return 0
	}
	switch unit {
	case "seconds":
		return time.Duration(value) * time.Second
	case "hours":
		return time.Duration(value) * time.Hour
	case "days":
		return time.Duration(value) * 24 * time.Hour
	default:
		return time.Duration(value) * time.Minute
	}
}

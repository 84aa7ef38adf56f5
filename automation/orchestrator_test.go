package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberflow/content"
	"memberflow/models"
)

func setupOrchestrator(t *testing.T, source content.Source) (*Orchestrator, *ProgressStore) {
	t.Helper()
	db := newTestDB(t)
	registry := NewRegistry()
	progress := NewProgressStore(db)
	extractor := NewExtractor(source)
	watches := NewWatchReconciler(db, source, progress, registry)
	return NewOrchestrator(db, registry, extractor, progress, watches), progress
}

func TestHandleTriggerMissingIdentity(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "", "mem-1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, "missing community or member id", result.Reason)
}

func TestHandleTriggerUnknownCommunityAndMember(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	_, _ = seedCommunityAndMember(t, orchestrator.DB)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "nope", "mem-1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, "community not found", result.Reason)

	result, err = orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "nope", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, "member not found", result.Reason)
}

func TestHandleTriggerStandaloneCampaign(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	community, member := seedCommunityAndMember(t, orchestrator.DB)

	campaign := models.Campaign{
		CommunityID:       community.ID,
		Name:              "Welcome email",
		SendMode:          models.SendModeAutomation,
		TriggerEvent:      string(TriggerMemberCreated),
		TriggerDelayValue: 30,
		TriggerDelayUnit:  "minutes",
		AutomationStatus:  models.AutomationStatusActive,
	}
	require.NoError(t, orchestrator.DB.Create(&campaign).Error)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, result.Outcome)
	require.Len(t, result.JobIDs, 1)

	var job models.AutomationJob
	require.NoError(t, orchestrator.DB.First(&job, result.JobIDs[0]).Error)
	assert.Equal(t, campaign.ID, job.CampaignID)
	assert.Equal(t, member.ID, job.MemberID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), job.ScheduledAt, 5*time.Second)
	assert.Equal(t, string(TriggerMemberCreated), job.Payload["event"])
}

func TestHandleTriggerJobIdempotency(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	community, _ := seedCommunityAndMember(t, orchestrator.DB)

	campaign := models.Campaign{
		CommunityID:      community.ID,
		Name:             "Welcome email",
		SendMode:         models.SendModeAutomation,
		TriggerEvent:     string(TriggerMemberCreated),
		AutomationStatus: models.AutomationStatusActive,
	}
	require.NoError(t, orchestrator.DB.Create(&campaign).Error)

	// The same upstream event delivered twice must not produce two jobs
	_, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)
	_, err = orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)

	var count int64
	require.NoError(t, orchestrator.DB.Model(&models.AutomationJob{}).
		Where("campaign_id = ? AND status IN ?", campaign.ID, []string{models.JobStatusPending, models.JobStatusProcessing}).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestHandleTriggerSequenceCumulativeDelays(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	community, member := seedCommunityAndMember(t, orchestrator.DB)

	sequence := models.AutomationSequence{
		CommunityID:  community.ID,
		Name:         "Onboarding drip",
		TriggerEvent: string(TriggerMemberCreated),
		Status:       models.SequenceStatusActive,
	}
	require.NoError(t, orchestrator.DB.Create(&sequence).Error)

	var campaigns []models.Campaign
	for _, name := range []string{"Day 0", "Day 0b", "Day 0c"} {
		campaign := models.Campaign{CommunityID: community.ID, Name: name}
		require.NoError(t, orchestrator.DB.Create(&campaign).Error)
		campaigns = append(campaigns, campaign)
	}

	delays := []int{10, 5, 0}
	for i, delay := range delays {
		step := models.AutomationStep{
			SequenceID: sequence.ID,
			CampaignID: campaigns[i].ID,
			Position:   i + 1,
			DelayValue: delay,
			DelayUnit:  "minutes",
		}
		require.NoError(t, orchestrator.DB.Create(&step).Error)
	}

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 3)

	var jobs []models.AutomationJob
	require.NoError(t, orchestrator.DB.Where("member_id = ?", member.ID).Order("id asc").Find(&jobs).Error)
	require.Len(t, jobs, 3)

	// Delays accumulate: 10m, 10m+5m, 10m+5m+0m
	now := time.Now().UTC()
	assert.WithinDuration(t, now.Add(10*time.Minute), jobs[0].ScheduledAt, 5*time.Second)
	assert.WithinDuration(t, now.Add(15*time.Minute), jobs[1].ScheduledAt, 5*time.Second)
	assert.WithinDuration(t, now.Add(15*time.Minute), jobs[2].ScheduledAt, 5*time.Second)

	var enrollment models.AutomationEnrollment
	require.NoError(t, orchestrator.DB.Where("sequence_id = ? AND member_id = ?", sequence.ID, member.ID).First(&enrollment).Error)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
}

func TestHandleTriggerEnrollmentIdempotency(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	community, member := seedCommunityAndMember(t, orchestrator.DB)

	campaign := models.Campaign{CommunityID: community.ID, Name: "Drip 1"}
	require.NoError(t, orchestrator.DB.Create(&campaign).Error)

	sequence := models.AutomationSequence{
		CommunityID:  community.ID,
		Name:         "Onboarding drip",
		TriggerEvent: string(TriggerMemberCreated),
		Status:       models.SequenceStatusActive,
	}
	require.NoError(t, orchestrator.DB.Create(&sequence).Error)
	step := models.AutomationStep{SequenceID: sequence.ID, CampaignID: campaign.ID, Position: 1}
	require.NoError(t, orchestrator.DB.Create(&step).Error)

	_, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)
	_, err = orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)

	var count int64
	require.NoError(t, orchestrator.DB.Model(&models.AutomationEnrollment{}).
		Where("sequence_id = ? AND member_id = ?", sequence.ID, member.ID).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestHandleTriggerSkipsEmptySequence(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	community, _ := seedCommunityAndMember(t, orchestrator.DB)

	sequence := models.AutomationSequence{
		CommunityID:  community.ID,
		Name:         "Empty drip",
		TriggerEvent: string(TriggerMemberCreated),
		Status:       models.SequenceStatusActive,
	}
	require.NoError(t, orchestrator.DB.Create(&sequence).Error)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, result.Outcome)
	assert.Empty(t, result.JobIDs)
}

func TestHandleTriggerMissingCourseContext(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	_, _ = seedCommunityAndMember(t, orchestrator.DB)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerCourseStarted, "comm-1", "mem-1", map[string]interface{}{
		"unrelated": true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, "missing course context", result.Reason)
}

func TestHandleTriggerLessonCompletedEndToEnd(t *testing.T) {
	source := &stubContentSource{
		structures: map[string]*content.CourseStructure{"c1": threeLessonCourse()},
	}
	orchestrator, _ := setupOrchestrator(t, source)
	community, member := seedCommunityAndMember(t, orchestrator.DB)

	campaign := models.Campaign{
		CommunityID:       community.ID,
		Name:              "Lesson done nudge",
		SendMode:          models.SendModeAutomation,
		TriggerEvent:      string(TriggerCourseLessonCompleted),
		TriggerDelayValue: 5,
		TriggerDelayUnit:  "minutes",
		AutomationStatus:  models.AutomationStatusActive,
	}
	require.NoError(t, orchestrator.DB.Create(&campaign).Error)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerCourseLessonCompleted, "comm-1", "mem-1", map[string]interface{}{
		"course_id": "c1",
		"lesson_id": "l1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, result.Outcome)
	require.Len(t, result.JobIDs, 1)
	require.NotNil(t, result.CourseContext)
	assert.Equal(t, "ch1", result.CourseContext.ChapterID)

	// Progress persisted with started_at == completed_at for a fresh row
	var progress models.CourseProgressState
	require.NoError(t, orchestrator.DB.Where(
		"member_id = ? AND course_id = ? AND lesson_id = ?", member.ID, "c1", "l1",
	).First(&progress).Error)
	assert.Equal(t, models.ProgressStatusCompleted, progress.Status)
	require.NotNil(t, progress.StartedAt)
	require.NotNil(t, progress.CompletedAt)
	assert.True(t, progress.StartedAt.Equal(*progress.CompletedAt))
}

func TestMetadataMatching(t *testing.T) {
	cc := &CourseContext{
		TriggerKind: TriggerCourseLessonCompleted,
		CourseID:    "c1",
		ChapterID:   "ch1",
		LessonID:    "l1",
	}

	// Absent fields are wildcards
	assert.True(t, metadataMatches(nil, TriggerCourseLessonCompleted, true, cc))
	assert.True(t, metadataMatches(&models.TriggerMetadata{CourseID: "c1"}, TriggerCourseLessonCompleted, true, cc))

	// Present fields must match exactly
	assert.True(t, metadataMatches(&models.TriggerMetadata{CourseID: "c1", LessonID: "l1"}, TriggerCourseLessonCompleted, true, cc))
	assert.False(t, metadataMatches(&models.TriggerMetadata{CourseID: "c1", LessonID: "l2"}, TriggerCourseLessonCompleted, true, cc))
	assert.False(t, metadataMatches(&models.TriggerMetadata{CourseID: "c2"}, TriggerCourseLessonCompleted, true, cc))
	assert.False(t, metadataMatches(&models.TriggerMetadata{TriggerKind: string(TriggerCourseStarted)}, TriggerCourseLessonCompleted, true, cc))

	// Non-course events: metadata presence disqualifies
	assert.True(t, metadataMatches(nil, TriggerMemberCreated, false, nil))
	assert.False(t, metadataMatches(&models.TriggerMetadata{CourseID: "c1"}, TriggerMemberCreated, false, nil))

	// Course event with no context never matches
	assert.False(t, metadataMatches(nil, TriggerCourseLessonCompleted, true, nil))
}

func TestHandleTriggerCourseMetadataGate(t *testing.T) {
	source := &stubContentSource{
		structures: map[string]*content.CourseStructure{"c1": threeLessonCourse()},
	}
	orchestrator, _ := setupOrchestrator(t, source)
	community, _ := seedCommunityAndMember(t, orchestrator.DB)

	matching := models.Campaign{
		CommunityID:               community.ID,
		Name:                      "Any lesson in c1",
		SendMode:                  models.SendModeAutomation,
		TriggerEvent:              string(TriggerCourseLessonCompleted),
		AutomationStatus:          models.AutomationStatusActive,
		AutomationTriggerMetadata: &models.TriggerMetadata{CourseID: "c1"},
	}
	require.NoError(t, orchestrator.DB.Create(&matching).Error)

	other := models.Campaign{
		CommunityID:               community.ID,
		Name:                      "Only lesson l3",
		SendMode:                  models.SendModeAutomation,
		TriggerEvent:              string(TriggerCourseLessonCompleted),
		AutomationStatus:          models.AutomationStatusActive,
		AutomationTriggerMetadata: &models.TriggerMetadata{CourseID: "c1", LessonID: "l3"},
	}
	require.NoError(t, orchestrator.DB.Create(&other).Error)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerCourseLessonCompleted, "comm-1", "mem-1", map[string]interface{}{
		"course_id": "c1",
		"lesson_id": "l1",
	})
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 1)

	var job models.AutomationJob
	require.NoError(t, orchestrator.DB.First(&job, result.JobIDs[0]).Error)
	assert.Equal(t, matching.ID, job.CampaignID)
}

func TestHandleTriggerIgnoresInactiveAutomations(t *testing.T) {
	orchestrator, _ := setupOrchestrator(t, &stubContentSource{})
	community, _ := seedCommunityAndMember(t, orchestrator.DB)

	paused := models.Campaign{
		CommunityID:      community.ID,
		Name:             "Paused",
		SendMode:         models.SendModeAutomation,
		TriggerEvent:     string(TriggerMemberCreated),
		AutomationStatus: models.AutomationStatusPaused,
	}
	require.NoError(t, orchestrator.DB.Create(&paused).Error)

	draft := models.AutomationSequence{
		CommunityID:  community.ID,
		Name:         "Draft drip",
		TriggerEvent: string(TriggerMemberCreated),
		Status:       models.SequenceStatusDraft,
	}
	require.NoError(t, orchestrator.DB.Create(&draft).Error)

	result, err := orchestrator.HandleTrigger(context.Background(), TriggerMemberCreated, "comm-1", "mem-1", nil)
	require.NoError(t, err)
	assert.Empty(t, result.JobIDs)
}

func TestDelayDuration(t *testing.T) {
	assert.Equal(t, 10*time.Minute, delayDuration(10, "minutes"))
	assert.Equal(t, 10*time.Minute, delayDuration(10, "")) // minutes is the default
	assert.Equal(t, 2*time.Hour, delayDuration(2, "hours"))
	assert.Equal(t, 72*time.Hour, delayDuration(3, "days"))
	assert.Equal(t, 30*time.Second, delayDuration(30, "seconds"))
	assert.Equal(t, time.Duration(0), delayDuration(0, "minutes"))
	assert.Equal(t, time.Duration(0), delayDuration(-5, "minutes"))
}

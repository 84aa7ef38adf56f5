package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"memberflow/automation"
	"memberflow/models"
)

// WatchSweeper turns expired inactivity deadlines into delivery jobs. The
// reconciler only writes deadline_at; nothing inline in the trigger path
// ever re-reads it, so this worker owns the "N days passed and the lesson is
// still untouched" half of that trigger.
type WatchSweeper struct {
	DB           *gorm.DB
	Orchestrator *automation.Orchestrator
	Interval     time.Duration
	Logger       *log.Logger
}

func NewWatchSweeper(db *gorm.DB, orchestrator *automation.Orchestrator, interval time.Duration, logger *log.Logger) *WatchSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &WatchSweeper{
		DB:           db,
		Orchestrator: orchestrator,
		Interval:     interval,
		Logger:       logger,
	}
}

func (ws *WatchSweeper) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	ws.Logger.Println("Watch sweeper started")

	ticker := time.NewTicker(ws.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.Logger.Println("Watch sweeper shutting down...")
			return
		case <-ticker.C:
			ws.processExpiredWatches()
		}
	}
}

func (ws *WatchSweeper) processExpiredWatches() {
	now := time.Now().UTC()

	var watches []models.CourseTriggerWatch
	err := ws.DB.Where(
		"trigger_kind = ? AND deadline_at IS NOT NULL AND deadline_at <= ? AND fired_at IS NULL AND satisfied_at IS NOT NULL",
		string(automation.TriggerCourseLessonNotStarted), now,
	).Find(&watches).Error
	if err != nil {
		ws.Logger.Printf("Error fetching expired watches: %v", err)
		return
	}

	for _, watch := range watches {
		if err := ws.fireWatch(watch, now); err != nil {
			ws.Logger.Printf("Error firing watch %d: %v", watch.ID, err)
		}
	}
}

func (ws *WatchSweeper) fireWatch(watch models.CourseTriggerWatch, now time.Time) error {
	// The predicate may have flipped since the last reconciliation; the
	// progress store has the freshest signal this side of the content API.
	var touched int64
	err := ws.DB.Model(&models.CourseProgressState{}).Where(
		"member_id = ? AND course_id = ? AND lesson_id = ?",
		watch.MemberID, watch.CourseID, watch.LessonID,
	).Count(&touched).Error
	if err != nil {
		return err
	}
	if touched > 0 {
		ws.Logger.Printf("Watch %d defused: lesson %s was started before the deadline", watch.ID, watch.LessonID)
		return ws.DB.Model(&watch).Update("satisfied_at", nil).Error
	}

	cc := &automation.CourseContext{
		TriggerKind: automation.TriggerCourseLessonNotStarted,
		CourseID:    watch.CourseID,
		ChapterID:   watch.ChapterID,
		LessonID:    watch.LessonID,
		OccurredAt:  now,
	}
	snapshot := map[string]interface{}{
		"event":          string(automation.TriggerCourseLessonNotStarted),
		"event_id":       uuid.NewString(),
		"triggered_at":   now.Format(time.RFC3339),
		"deadline_at":    watch.DeadlineAt.Format(time.RFC3339),
		"course_context": cc,
	}

	jobs, err := ws.Orchestrator.Dispatch(watch.CommunityID, watch.MemberID, automation.TriggerCourseLessonNotStarted, cc, snapshot)
	if err != nil {
		return err
	}
	ws.Logger.Printf("Watch %d fired, %d job(s) scheduled", watch.ID, len(jobs))

	return ws.DB.Model(&watch).Update("fired_at", now).Error
}

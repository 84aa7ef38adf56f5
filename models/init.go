package models

import "gorm.io/gorm"

// Migrate creates or updates every table this backend owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Community{},
		&Member{},
		&Campaign{},
		&AutomationSequence{},
		&AutomationStep{},
		&AutomationEnrollment{},
		&AutomationJob{},
		&CourseProgressState{},
		&CourseTriggerWatch{},
	)
}

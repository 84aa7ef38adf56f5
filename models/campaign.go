package models

import "gorm.io/gorm"

// Campaign send modes
const (
	SendModeBroadcast  = "broadcast"
	SendModeAutomation = "automation"
)

// Automation statuses for standalone campaigns
const (
	AutomationStatusActive = "active"
	AutomationStatusPaused = "paused"
)

// Campaign is a unit of deliverable content. Composition, rendering and
// sending live in other services; this backend only consults the
// automation-relevant columns. A campaign with send_mode=automation and no
// sequence id is a standalone automation triggered directly by an event.
type Campaign struct {
	gorm.Model
	CommunityID uint `gorm:"not null;index" json:"community_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `json:"subject"`
	PreviewText string `json:"preview_text"`
	ContentRef  string `json:"content_ref"` // reference to the stored rich-text document

	Status   string `gorm:"default:'draft'" json:"status"`
	SendMode string `gorm:"default:'broadcast';index" json:"send_mode"` // broadcast, automation

	// Standalone-automation columns; unused when the campaign belongs to a
	// sequence step.
	TriggerEvent              string           `gorm:"index" json:"trigger_event"`
	TriggerDelayValue         int              `gorm:"default:0" json:"trigger_delay_value"`
	TriggerDelayUnit          string           `gorm:"default:'minutes'" json:"trigger_delay_unit"`
	AutomationStatus          string           `gorm:"default:'paused'" json:"automation_status"`
	AutomationSequenceID      *uint            `gorm:"index" json:"automation_sequence_id"`
	AutomationTriggerMetadata *TriggerMetadata `gorm:"type:jsonb;serializer:json" json:"automation_trigger_metadata,omitempty"`

	// Relations
	Community Community `json:"-"`
}

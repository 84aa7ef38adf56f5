package models

import "gorm.io/gorm"

// Community represents a tenant. Communities are owned by the account
// service; this backend only ever reads them.
type Community struct {
	gorm.Model
	ExternalID string `gorm:"not null;uniqueIndex" json:"external_id"`

	Name     string `gorm:"not null" json:"name"`
	Slug     string `gorm:"index" json:"slug"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	// Relations
	Members []Member `gorm:"foreignKey:CommunityID" json:"members,omitempty"`
}

// Member represents a person inside a community. Membership lifecycle
// (invites, payments, bans) is owned elsewhere; automations only look
// members up by their external id.
type Member struct {
	gorm.Model
	CommunityID uint   `gorm:"not null;index;uniqueIndex:idx_community_member_ext" json:"community_id"`
	ExternalID  string `gorm:"not null;uniqueIndex:idx_community_member_ext" json:"external_id"`

	Email  string `gorm:"index" json:"email"`
	Name   string `json:"name"`
	Status string `gorm:"default:'active'" json:"status"` // active, invited, churned

	// Relations
	Community Community `json:"-"`
}

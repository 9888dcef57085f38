// Package domain contains the read model for subscriptions synced from the
// payment processor.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus mirrors the processor's lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
)

// ActiveStatuses are the statuses that grant paid-tier periods.
var ActiveStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusTrialing,
}

// Subscription is written by the billing system and only read here.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	UserID             string             `gorm:"type:text;not null;index"`
	ExternalID         *string            `gorm:"type:text"`
	Status             SubscriptionStatus `gorm:"type:text;not null"`
	Tier               string             `gorm:"type:text;not null"`
	AnchorAt           time.Time          `gorm:"not null"`
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) IsActive() bool {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(string(s.Status))))
	for _, active := range ActiveStatuses {
		if status == active {
			return true
		}
	}
	return false
}

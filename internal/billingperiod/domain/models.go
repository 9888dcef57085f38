// Package domain contains billing period values used to bucket usage.
package domain

import (
	"time"

	plandomain "github.com/smallbiznis/genquota/internal/plan/domain"
)

// Period is a half-open interval [Start, End) identified by Key.
type Period struct {
	Key    string    `json:"periodKey"`
	Start  time.Time `json:"periodStart"`
	End    time.Time `json:"periodEnd"`
	IsPaid bool      `json:"isPaidPeriod"`
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Source records which rule produced a period.
type Source string

const (
	SourceCalendar  Source = "calendar"
	SourceProcessor Source = "processor"
	SourceAnchor    Source = "anchor"
	SourceFallback  Source = "fallback"
)

// Resolution is the period and tier that apply to a user right now.
type Resolution struct {
	Period
	Tier               plandomain.Tier
	SubscriptionActive bool
	Source             Source
}

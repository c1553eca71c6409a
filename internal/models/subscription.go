package models

import "time"

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// Subscription mirrors the billing provider's view of a customer's plan.
// Written by the billing webhook, read by issuance and redemption.
type Subscription struct {
	// ID is the unique identifier for the subscription.
	ID string `json:"id" gorm:"column:id;primaryKey;size:64"`
	// CustomerID is the customer the subscription belongs to.
	CustomerID string `json:"customer_id" gorm:"column:customer_id;size:64;index;not null"`
	// ExternalID is the billing provider's subscription identifier.
	ExternalID string `json:"external_id" gorm:"column:external_id;size:128;uniqueIndex;not null"`
	// Status is the billing status, only "active" entitles meals.
	Status string `json:"status" gorm:"column:status;size:32;index;not null"`
	// PeriodStart is the Unix timestamp the paid period starts (inclusive).
	PeriodStart *int64 `json:"period_start" gorm:"column:period_start"`
	// PeriodEnd is the Unix timestamp the paid period ends (exclusive).
	PeriodEnd *int64 `json:"period_end" gorm:"column:period_end"`
	// UpdatedAt is the Unix timestamp of the last webhook that touched it.
	UpdatedAt int64 `json:"updated_at" gorm:"column:updated_at"`
}

// HasPeriod reports whether both paid-period bounds are known.
func (s *Subscription) HasPeriod() bool {
	return s.PeriodStart != nil && s.PeriodEnd != nil
}

// Covers reports whether the subscription is active and its paid period
// intersects [start, end).
func (s *Subscription) Covers(start, end time.Time) bool {
	if s.Status != SubscriptionStatusActive || !s.HasPeriod() {
		return false
	}
	return *s.PeriodStart < end.Unix() && *s.PeriodEnd > start.Unix()
}

// SkipDay is a customer's opt-out for one service day.
type SkipDay struct {
	CustomerID  string `json:"customer_id" gorm:"column:customer_id;primaryKey;size:64"`
	ServiceDate string `json:"service_date" gorm:"column:service_date;primaryKey;size:10"`
	CreatedAt   int64  `json:"created_at" gorm:"column:created_at"`
}

package meter

import (
	"errors"
	"slices"
	"time"

	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/plan"
)

// ErrUnknownUsageType is returned for usage types outside the metered set.
var ErrUnknownUsageType = errors.New("meter: unknown usage type")

// UsageType is a metered action.
type UsageType string

const (
	UsageSwipe     UsageType = "swipe"
	UsageSuperLike UsageType = "super_like"
	UsageBoost     UsageType = "boost"
)

// Valid reports whether t is a known usage type.
func (t UsageType) Valid() bool {
	switch t {
	case UsageSwipe, UsageSuperLike, UsageBoost:
		return true
	}
	return false
}

// Weekly reports whether t is bounded per week rather than per day.
func (t UsageType) Weekly() bool { return t == UsageBoost }

// CapFor returns the cap that bounds t under ents.
func CapFor(ents entitlement.Entitlements, t UsageType) plan.Cap {
	switch t {
	case UsageSwipe:
		return ents.SwipeDailyCap
	case UsageSuperLike:
		return ents.SuperLikesPerDay
	case UsageBoost:
		return ents.BoostsPerWeek
	}
	return 0
}

// Counter is a user's usage for one day. BoostsThisWeek only counts while
// Week matches the current week.
type Counter struct {
	UserID         string    `json:"user_id"`
	Day            string    `json:"day"`
	Week           string    `json:"week"`
	Swipes         int64     `json:"swipes"`
	SuperLikes     int64     `json:"super_likes"`
	BoostsThisWeek int64     `json:"boosts_this_week"`
	Operations     []string  `json:"operations,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Used returns the count that t is compared against.
func (c *Counter) Used(t UsageType) int64 {
	switch t {
	case UsageSwipe:
		return c.Swipes
	case UsageSuperLike:
		return c.SuperLikes
	case UsageBoost:
		return c.BoostsThisWeek
	}
	return 0
}

// Applied reports whether operationID was counted in this record.
func (c *Counter) Applied(operationID string) bool {
	return slices.Contains(c.Operations, operationID)
}

// WeekCounter carries weekly boosts across day records.
type WeekCounter struct {
	UserID     string    `json:"user_id"`
	Week       string    `json:"week"`
	Boosts     int64     `json:"boosts"`
	Operations []string  `json:"operations,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Applied reports whether operationID was counted in this record.
func (w *WeekCounter) Applied(operationID string) bool {
	return slices.Contains(w.Operations, operationID)
}

// Marker records that an operation was applied.
type Marker struct {
	OperationID string    `json:"operation_id"`
	UserID      string    `json:"user_id"`
	Type        UsageType `json:"type"`
	AppliedAt   time.Time `json:"applied_at"`
}

// IncrementResult is the outcome of Increment. Limit and Remaining are nil
// when the cap is unlimited.
type IncrementResult struct {
	Success   bool      `json:"success"`
	Replayed  bool      `json:"replayed,omitempty"`
	Type      UsageType `json:"type"`
	Used      int64     `json:"used"`
	Remaining *int64    `json:"remaining,omitempty"`
	Limit     *int64    `json:"limit,omitempty"`
}

// DayKey is the KV key of a user's day record.
func DayKey(userID, day string) string { return "usage:" + userID + ":" + day }

// WeekKey is the KV key of a user's week record.
func WeekKey(userID, week string) string { return "usage:" + userID + ":" + week }

// MarkerKey is the KV key of an idempotency marker.
func MarkerKey(userID, operationID string) string { return "usage:" + userID + ":" + operationID }

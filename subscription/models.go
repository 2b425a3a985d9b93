package subscription

import (
	"maps"
	"time"

	"github.com/pawmatch/gatekeeper/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Channel is the payment channel a subscription was bought through.
type Channel string

const (
	ChannelAppStore  Channel = "app_store"
	ChannelPlayStore Channel = "play_store"
	ChannelStripe    Channel = "stripe"
	ChannelComp      Channel = "comp"
)

type Subscription struct {
	types.Entity
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	PlanID             string            `json:"plan_id"`
	Status             Status            `json:"status"`
	Store              Channel           `json:"store"`
	StartDate          time.Time         `json:"start_date"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	IsComp             bool              `json:"is_comp,omitempty"`
	CompReason         string            `json:"comp_reason,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Live reports whether the subscription still grants its plan.
func (s *Subscription) Live() bool {
	switch s.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	}
	return false
}

// PeriodElapsed reports whether the current period has ended at now.
func (s *Subscription) PeriodElapsed(now time.Time) bool {
	return !s.CurrentPeriodEnd.IsZero() && !now.Before(s.CurrentPeriodEnd)
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	return &c
}

package subscription_test

import (
	"testing"
	"time"

	"github.com/pawmatch/gatekeeper/subscription"
	"github.com/pawmatch/gatekeeper/types"
)

func sub(id, user string, status subscription.Status, created time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		Entity: types.NewEntity(created),
		ID:     id,
		UserID: user,
		Status: status,
		Store:  subscription.ChannelStripe,
	}
}

func TestFilter(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	subs := []*subscription.Subscription{
		sub("a", "u1", subscription.StatusCanceled, base),
		sub("b", "u1", subscription.StatusActive, base.Add(time.Hour)),
		sub("c", "u2", subscription.StatusActive, base.Add(2*time.Hour)),
	}

	tests := []struct {
		name string
		opts subscription.ListOpts
		want []string
	}{
		{"all newest first", subscription.ListOpts{}, []string{"c", "b", "a"}},
		{"by user", subscription.ListOpts{UserID: "u1"}, []string{"b", "a"}},
		{"by status", subscription.ListOpts{Status: subscription.StatusActive}, []string{"c", "b"}},
		{"limit", subscription.ListOpts{Limit: 1}, []string{"c"}},
		{"offset", subscription.ListOpts{Offset: 2}, []string{"a"}},
		{"offset past end", subscription.ListOpts{Offset: 5}, []string{}},
		{"by store", subscription.ListOpts{Store: subscription.ChannelAppStore}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := subscription.Filter(subs, tt.opts)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d subs, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("position %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestAuthoritativePrefersLive(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	live := sub("old-live", "u1", subscription.StatusActive, base)
	newer := sub("new-canceled", "u1", subscription.StatusCanceled, base.Add(time.Hour))

	if got := subscription.Authoritative([]*subscription.Subscription{newer, live}); got.ID != "old-live" {
		t.Errorf("authoritative = %s, want old-live", got.ID)
	}
	if got := subscription.Authoritative([]*subscription.Subscription{newer}); got.ID != "new-canceled" {
		t.Errorf("authoritative = %s, want new-canceled", got.ID)
	}
	if got := subscription.Authoritative(nil); got != nil {
		t.Errorf("authoritative of none = %v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	s := sub("a", "u1", subscription.StatusActive, now)
	s.Metadata = map[string]string{"k": "v"}
	s.CanceledAt = &now

	c := s.Clone()
	c.Metadata["k"] = "changed"
	*c.CanceledAt = now.Add(time.Hour)

	if s.Metadata["k"] != "v" || !s.CanceledAt.Equal(now) {
		t.Error("clone shares state with the original")
	}
}

func TestPeriodElapsed(t *testing.T) {
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s := &subscription.Subscription{CurrentPeriodEnd: end}
	if s.PeriodElapsed(end.Add(-time.Second)) {
		t.Error("elapsed before end")
	}
	if !s.PeriodElapsed(end) {
		t.Error("not elapsed at end")
	}
}

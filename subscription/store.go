package subscription

import (
	"sort"
)

// ListOpts filters subscription listings.
type ListOpts struct {
	UserID string
	Status Status
	Store  Channel
	Limit  int
	Offset int
}

// Filter applies opts to subs and returns the matches newest first.
func Filter(subs []*Subscription, opts ListOpts) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if opts.UserID != "" && s.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.Store != "" && s.Store != opts.Store {
			continue
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Subscription{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Authoritative picks the subscription that currently governs a user: the
// newest live one, or the newest overall when none is live.
func Authoritative(subs []*Subscription) *Subscription {
	var best *Subscription
	for _, s := range subs {
		switch {
		case best == nil:
			best = s
		case s.Live() != best.Live():
			if s.Live() {
				best = s
			}
		case s.CreatedAt.After(best.CreatedAt):
			best = s
		}
	}
	return best
}

package entitlement

import (
	"context"
	"time"

	"github.com/pawmatch/gatekeeper/store"
)

// AssignmentKey is the KV key holding a user's plan assignment.
func AssignmentKey(userID string) string { return "entitlements:" + userID }

// LoadAssignment reads the assignment for userID. It returns
// store.ErrNotFound when the user has never been assigned a plan.
func LoadAssignment(ctx context.Context, kv store.Store, userID string) (*Assignment, error) {
	var a Assignment
	if err := store.GetJSON(ctx, kv, AssignmentKey(userID), &a); err != nil {
		return nil, err
	}
	if a.UserID == "" {
		a.UserID = userID
	}
	return &a, nil
}

// SaveAssignment writes a without expiry. Negative consumable balances are
// clamped to zero.
func SaveAssignment(ctx context.Context, kv store.Store, a *Assignment, now time.Time) error {
	for k, v := range a.Consumables {
		if v < 0 {
			a.Consumables[k] = 0
		}
	}
	a.UpdatedAt = now
	return store.SetJSON(ctx, kv, AssignmentKey(a.UserID), a, 0)
}
